package auth

// PublicOperations is the default whitelist of wire operations served
// without any credential, keyed "<optype>:<group>:<field>". Enforced
// by the GraphQL adapter before the credential is even parsed.
var PublicOperations = map[string]bool{
	"mutation:users:register": true,
	"mutation:auth:login":     true,
}

// IsPublic reports whether the operation bypasses authentication.
func IsPublic(opType, group, field string) bool {
	return PublicOperations[opType+":"+group+":"+field]
}
