package common

// AuthorizationHeaderName is the HTTP header carrying the bearer token on
// outbound remote requests.
const AuthorizationHeaderName = "Authorization"
