package config

import (
	"os"
	"strconv"
)

// Env is the node's env-var configuration surface. Parsing .env files
// is the launcher's job; this struct only reads already-exported process
// environment variables.
type Env struct {
	PrivateKey          string
	RegistryAddress     string
	RPCURL              string
	Network             string
	NodeType            string
	Port                int
	P2PPort             int
	AgentName           string
	BootstrapName       string
	UseEncryption       bool
	BootstrapPrivateKey string
}

// LoadEnv reads the configuration surface from the process environment.
// A deliberate, justified use of the standard library only (see
// DESIGN.md): nine scalar keys is not a document format, so no third-party
// config library in the pack fits this surface better than os.Getenv.
func LoadEnv() Env {
	return Env{
		PrivateKey:          os.Getenv("PRIVATE_KEY"),
		RegistryAddress:     os.Getenv("REGISTRY_ADDRESS"),
		RPCURL:              os.Getenv("RPC_URL"),
		Network:             os.Getenv("NETWORK"),
		NodeType:            os.Getenv("NODE_TYPE"),
		Port:                getEnvInt("PORT", 4001),
		P2PPort:             getEnvInt("P2P_PORT", 0),
		AgentName:           firstNonEmpty(os.Getenv("AGENT_NAME"), os.Getenv("BOOTSTRAP_NAME")),
		BootstrapName:       os.Getenv("BOOTSTRAP_NAME"),
		UseEncryption:       getEnvBool("USE_ENCRYPTION", false),
		BootstrapPrivateKey: os.Getenv("BOOTSTRAP_PRIVATE_KEY"),
	}
}

// ListenPort returns P2P_PORT if set, otherwise PORT, matching the
// PORT/P2P_PORT alias.
func (e Env) ListenPort() int {
	if e.P2PPort != 0 {
		return e.P2PPort
	}
	return e.Port
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
