package client

import (
	"fmt"
	"os"
	"strings"
	"time"

	cliconfig "github.com/skyporthq/skyport/internal/cli/config"
)

// DefaultAPIURL is the hosted control plane endpoint.
const DefaultAPIURL = "https://api.skyport.dev/v1"

type Connection struct {
	APIURL      string
	Token       string
	Timeout     time.Duration
	ConfigPath  string
	ContextName string
	Config      *cliconfig.Config
	Context     *cliconfig.Context
}

// ResolveConnection mirrors cmd/skyport's config semantics:
// 1) flags (apiURL, token, timeout, contextName)
// 2) config file values
// 3) environment (SKYPORT_API_URL, SKYPORT_TOKEN)
// 4) defaults (hosted endpoint, 15s)
func ResolveConnection(configPath, contextName, apiURL, token string, timeout time.Duration) (*Connection, error) {
	conn := &Connection{
		ConfigPath:  configPath,
		ContextName: contextName,
		APIURL:      apiURL,
		Token:       token,
		Timeout:     timeout,
	}

	if conn.ConfigPath != "" {
		cfg, err := cliconfig.Load(conn.ConfigPath)
		if err != nil {
			return nil, err
		}
		conn.Config = cfg
	}

	if conn.Config != nil {
		ctx, _, err := conn.Config.Resolve(conn.ContextName)
		if err != nil {
			return nil, err
		}
		conn.Context = ctx
	}

	if conn.APIURL == "" && conn.Context != nil {
		conn.APIURL = conn.Context.Server
	}
	if conn.Token == "" && conn.Context != nil {
		conn.Token = conn.Context.Token
	}

	if conn.Timeout == 0 {
		if conn.Context != nil && conn.Context.TimeoutSeconds > 0 {
			conn.Timeout = time.Duration(conn.Context.TimeoutSeconds) * time.Second
		} else {
			conn.Timeout = 15 * time.Second
		}
	}

	if conn.APIURL == "" {
		conn.APIURL = os.Getenv("SKYPORT_API_URL")
	}
	if conn.Token == "" {
		conn.Token = os.Getenv("SKYPORT_TOKEN")
	}
	if conn.APIURL == "" {
		conn.APIURL = DefaultAPIURL
	}

	conn.APIURL = strings.TrimRight(conn.APIURL, "/")
	if conn.APIURL == "" {
		return nil, fmt.Errorf("api url is required")
	}

	return conn, nil
}

// DefaultApp returns the app configured on the resolved context, if any.
func (c *Connection) DefaultApp() string {
	if c == nil || c.Context == nil {
		return ""
	}
	return c.Context.App
}
