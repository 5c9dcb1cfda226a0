package auth

const (
	ScopeOpenID       = "openid"
	ScopeProfile      = "profile"
	ScopeEmail        = "email"
	ScopeScriptsRead  = "scripts:read"
	ScopeScriptsWrite = "scripts:write"
)

// AllScopes is the scope set requested by the Swagger UI.
var AllScopes = []string{
	ScopeOpenID,
	ScopeProfile,
	ScopeEmail,
	ScopeScriptsRead,
	ScopeScriptsWrite,
}
