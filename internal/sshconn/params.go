// Package sshconn keeps one persistent ssh control master per connection
// key and hands out reference-counted handles that multiplex over it.
package sshconn

import (
	"fmt"
	"strconv"
	"time"

	"github.com/randomizedcoder/runctl/internal/process"
)

// Parameters describe how to reach a remote host.
type Parameters struct {
	Host         string
	User         string
	Port         int
	IdentityFile string
	ProxyJump    string

	// StrictHostKeyChecking is passed through to ssh ("yes", "no",
	// "accept-new"). Empty keeps the client default.
	StrictHostKeyChecking string

	ConnectTimeout time.Duration

	// AskPass is the helper ssh runs for passphrases and passwords.
	AskPass string

	// X11Display requests X11 forwarding for a single call. It is not part
	// of the connection key.
	X11Display string

	// Binary is the ssh client; empty means "ssh".
	Binary string
}

// ConnectionKey is the connection-relevant subset of Parameters. Requests
// with equal keys share one control master.
type ConnectionKey struct {
	Host                  string
	User                  string
	Port                  int
	IdentityFile          string
	ProxyJump             string
	StrictHostKeyChecking string
}

// Key returns the connection key for p.
func (p Parameters) Key() ConnectionKey {
	return ConnectionKey{
		Host:                  p.Host,
		User:                  p.User,
		Port:                  p.Port,
		IdentityFile:          p.IdentityFile,
		ProxyJump:             p.ProxyJump,
		StrictHostKeyChecking: p.StrictHostKeyChecking,
	}
}

// String renders the key as user@host:port.
func (k ConnectionKey) String() string {
	s := k.Host
	if k.User != "" {
		s = k.User + "@" + s
	}
	if k.Port != 0 {
		s += ":" + strconv.Itoa(k.Port)
	}
	return s
}

// Destination returns [user@]host.
func (p Parameters) Destination() string {
	if p.User == "" {
		return p.Host
	}
	return p.User + "@" + p.Host
}

func (p Parameters) binary() string {
	if p.Binary == "" {
		return "ssh"
	}
	return p.Binary
}

// connectionOptions are the options that shape the master's session.
func (p Parameters) connectionOptions(batch bool) []string {
	var opts []string
	if p.Port != 0 {
		opts = append(opts, "-p", strconv.Itoa(p.Port))
	}
	if p.IdentityFile != "" {
		opts = append(opts, "-i", p.IdentityFile, "-o", "IdentitiesOnly=yes")
	}
	if p.ProxyJump != "" {
		opts = append(opts, "-J", p.ProxyJump)
	}
	if p.StrictHostKeyChecking != "" {
		opts = append(opts, "-o", "StrictHostKeyChecking="+p.StrictHostKeyChecking)
	}
	if p.ConnectTimeout > 0 {
		secs := int(p.ConnectTimeout.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		opts = append(opts, "-o", fmt.Sprintf("ConnectTimeout=%d", secs))
	}
	if batch {
		opts = append(opts, "-o", "BatchMode=yes")
	}
	return opts
}

// clientOptions route a client through an existing master socket.
func (p Parameters) clientOptions(socket string) []string {
	opts := []string{
		"-o", "ControlMaster=no",
		"-o", "ControlPath=" + socket,
	}
	if p.Port != 0 {
		opts = append(opts, "-p", strconv.Itoa(p.Port))
	}
	if p.X11Display != "" {
		opts = append(opts, "-o", "ForwardX11=yes")
	}
	return opts
}

// ClientEndpoint describes a client call routed through the master socket.
// The endpoint carries no Release; use Handle.Endpoint for borrowed ones.
func (p Parameters) ClientEndpoint(socket string) process.Endpoint {
	return process.Endpoint{
		Binary:  p.binary(),
		Options: p.clientOptions(socket),
		Host:    p.Destination(),
	}
}
