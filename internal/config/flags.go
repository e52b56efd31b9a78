package config

import (
	"flag"
	"os"
	"time"

	"github.com/nekay/nekaysync/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   base URL of the remote document store
//	-d string   path to the local sqlite database
//	-i int      connectivity probe interval in seconds
//
// The function filters os.Args to only include the flags it knows about,
// using flagx.FilterArgs, to avoid interference with other components.
func parseFlags(cfg *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-d", "-i"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&cfg.RemoteBaseURL, "a", cfg.RemoteBaseURL, "base URL of the remote document store")
	fs.StringVar(&cfg.DatabasePath, "d", cfg.DatabasePath, "path to the local database file")
	probeInterval := fs.Int("i", int(cfg.ProbeInterval.Seconds()), "connectivity probe interval (in seconds)")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	cfg.ProbeInterval = time.Duration(*probeInterval) * time.Second
}
