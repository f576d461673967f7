// Copyright © 2025 CloudBoot Contributors
//
// SPDX-License-Identifier: MIT

package sshexec

import (
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// mustTestKey generates a throwaway host key for the in-process test server.
// Host-key trust is disabled on the client side (spec.md §4.1), so the key's
// only job here is satisfying ssh.NewServerConn's handshake requirement.
func mustTestKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return priv
}

// startTestSSHServer spins up a minimal in-process SSH server that accepts
// the given user/password and replies to every exec request with a fixed
// stdout payload, returning its listen address.
func startTestSSHServer(t *testing.T, user, password, reply string) string {
	t.Helper()

	signer, err := ssh.NewSignerFromKey(mustTestKey(t))
	require.NoError(t, err)

	config := &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if conn.User() == user && string(pass) == password {
				return nil, nil
			}
			return nil, &exitError{}
		},
	}
	config.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go serveTestConn(conn, config, reply)
		}
	}()

	return listener.Addr().String()
}

type exitError struct{}

func (*exitError) Error() string { return "authentication failed" }

func serveTestConn(conn net.Conn, config *ssh.ServerConfig, reply string) {
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		conn.Close()
		return
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unsupported channel type") //nolint:errcheck
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			return
		}
		go func() {
			for req := range requests {
				if req.Type == "exec" {
					channel.Write([]byte(reply)) //nolint:errcheck
					req.Reply(true, nil)          //nolint:errcheck
					channel.SendRequest("exit-status", false, []byte{0, 0, 0, 0}) //nolint:errcheck
					channel.Close()                                              //nolint:errcheck
					return
				}
				req.Reply(false, nil) //nolint:errcheck
			}
		}()
	}
}

func TestRunSucceeds(t *testing.T) {
	addr := startTestSSHServer(t, "cloudboot", "s3cret", "ABC123\n")
	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)

	c := New("cloudboot", "s3cret")
	c.port = port

	out, ok := c.Run(host, "cat /sys/devices/virtual/dmi/id/product_serial")
	require.True(t, ok)
	require.Equal(t, "ABC123", out)
}

func TestRunFailsOnBadCredentials(t *testing.T) {
	addr := startTestSSHServer(t, "cloudboot", "s3cret", "ABC123\n")
	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)

	c := New("cloudboot", "wrong-password")
	c.port = port

	_, ok := c.Run(host, "echo hi")
	require.False(t, ok)
}

func TestInstallProgressRejectsNonInteger(t *testing.T) {
	addr := startTestSSHServer(t, "cloudboot", "s3cret", "not-a-number\n")
	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)

	c := New("cloudboot", "s3cret")
	c.port = port

	_, ok := c.InstallProgress(host)
	require.False(t, ok)
}

func TestAckMatches(t *testing.T) {
	addr := startTestSSHServer(t, "cloudboot", "s3cret", "5\n")
	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)

	c := New("cloudboot", "s3cret")
	c.port = port

	require.True(t, c.AckMatches(host, 5))
	require.False(t, c.AckMatches(host, 10))
}
