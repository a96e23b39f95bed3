// Package connection owns the managed rows of the remote-desktop gateway's
// PostgreSQL schema: listing, creating and deleting connections inside the
// scanner's namespace, the per-network run lock and the gateway user that is
// granted access to every managed connection.
package connection

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Protocol is the remote-desktop protocol spoken by a connection.
type Protocol string

const (
	// VNC is used for every non-Windows instance.
	VNC = Protocol("vnc")
	// RDP is used for Windows instances.
	RDP = Protocol("rdp")

	vncPort = 5901
	rdpPort = 3389

	// Parameter names the gateway understands.
	ParamHostname = "hostname"
	ParamPort     = "port"
)

// Connection is a managed gateway connection. Parameters hold the full
// protocol parameter set written on creation; rows read back from the store
// only carry the hostname and port.
type Connection struct {
	Key         Key
	InstanceID  string
	DisplayName string
	Protocol    Protocol
	Address     string
	Port        int
	Parameters  map[string]string
}

// ParameterNames returns the parameter names in a stable order.
func (c Connection) ParameterNames() []string {
	names := make([]string, 0, len(c.Parameters))
	for k := range c.Parameters {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Credentials are the secrets referenced by new connections. They come from
// the command line or secret files and are never read from the inventory.
type Credentials struct {
	VNCUsername   string
	VNCPassword   string
	RDPUsername   string
	RDPPassword   string
	PrivateSSHKey string
}

// Target describes the instance a connection points at.
type Target struct {
	InstanceID  string
	DisplayName string
	Address     string
	Platform    string
}

// Template turns targets into fully parameterised connections.
type Template struct {
	Namespace   Namespace
	Credentials Credentials
}

// Build returns the connection for target. Windows targets get RDP, every
// other platform gets VNC with SFTP enabled.
func (t Template) Build(target Target) Connection {
	c := Connection{
		Key:         t.Namespace.Key(target.InstanceID),
		InstanceID:  target.InstanceID,
		DisplayName: target.DisplayName,
		Address:     target.Address,
	}

	creds := t.Credentials
	if strings.EqualFold(target.Platform, "windows") {
		c.Protocol = RDP
		c.Port = rdpPort
		c.Parameters = map[string]string{
			"ignore-cert": "true",
			ParamHostname: target.Address,
			"password":    creds.RDPPassword,
			ParamPort:     strconv.Itoa(rdpPort),
			"username":    creds.RDPUsername,
		}
		return c
	}

	c.Protocol = VNC
	c.Port = vncPort
	c.Parameters = map[string]string{
		"cursor":                     "local",
		"sftp-directory":             fmt.Sprintf("/home/%s/Documents", creds.VNCUsername),
		"sftp-username":              creds.VNCUsername,
		"sftp-private-key":           creds.PrivateSSHKey,
		"sftp-server-alive-interval": "60",
		"sftp-root-directory":        fmt.Sprintf("/home/%s/", creds.VNCUsername),
		"enable-sftp":                "true",
		"color-depth":                "24",
		ParamHostname:                target.Address,
		"password":                   creds.VNCPassword,
		ParamPort:                    strconv.Itoa(vncPort),
	}
	return c
}
