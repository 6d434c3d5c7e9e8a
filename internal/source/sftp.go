package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/kriansa/ventoy-writer/internal/log"
)

const defaultSSHPort = 22

// SFTPConfig holds how remote images are fetched
type SFTPConfig struct {
	// User is used when the URL has none. Defaults to $USER.
	User string
	// IdentityFile is a private key file. Defaults to ~/.ssh/id_ed25519 and ~/.ssh/id_rsa.
	IdentityFile string
	// KnownHosts is the known_hosts file servers are verified against.
	// Defaults to ~/.ssh/known_hosts.
	KnownHosts string
}

type remoteLocation struct {
	user string
	host string // host:port
	path string
}

type dialFunc func(ctx context.Context, loc remoteLocation) (*sftp.Client, io.Closer, error)

// parseRemote parses sftp://[user@]host[:port]/path
func parseRemote(location string) (remoteLocation, error) {
	u, err := url.Parse(location)
	if err != nil {
		return remoteLocation{}, fmt.Errorf("parse %s: %w", location, err)
	}
	if u.Scheme != "sftp" || u.Hostname() == "" || u.Path == "" || u.Path == "/" {
		return remoteLocation{}, fmt.Errorf("invalid sftp url %q: expected sftp://[user@]host[:port]/path", location)
	}

	port := defaultSSHPort
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return remoteLocation{}, fmt.Errorf("invalid port in %q: %w", location, err)
		}
	}

	return remoteLocation{
		user: u.User.Username(),
		host: net.JoinHostPort(u.Hostname(), strconv.Itoa(port)),
		path: u.Path,
	}, nil
}

// dialSSH connects to the SSH server of loc and starts an SFTP session on it
func (o *Opener) dialSSH(ctx context.Context, loc remoteLocation) (*sftp.Client, io.Closer, error) {
	config, release, err := o.clientConfig(loc)
	if err != nil {
		return nil, nil, err
	}
	// The agent is only needed during the handshake
	defer release()

	log.Debug("connecting to sftp server", "host", loc.host, "user", config.User)

	var d net.Dialer
	netConn, err := d.DialContext(ctx, "tcp", loc.host)
	if err != nil {
		return nil, nil, err
	}

	conn, chans, reqs, err := ssh.NewClientConn(netConn, loc.host, config)
	if err != nil {
		netConn.Close()
		return nil, nil, err
	}
	sshClient := ssh.NewClient(conn, chans, reqs)

	client, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, nil, fmt.Errorf("start sftp session: %w", err)
	}

	return client, sshClient, nil
}

func (o *Opener) clientConfig(loc remoteLocation) (*ssh.ClientConfig, func(), error) {
	user := loc.user
	if user == "" {
		user = o.sftp.User
	}
	if user == "" {
		user = os.Getenv("USER")
	}

	home, _ := os.UserHomeDir()

	knownHostsPath := o.sftp.KnownHosts
	if knownHostsPath == "" {
		knownHostsPath = filepath.Join(home, ".ssh", "known_hosts")
	}
	hostKeyCallback, err := knownhosts.New(knownHostsPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load known hosts: %w", err)
	}

	auth, release := authMethods(o.sftp.IdentityFile, home)
	if len(auth) == 0 {
		release()
		return nil, nil, errors.New("no ssh credentials: start an ssh agent or configure an identity file")
	}

	return &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
	}, release, nil
}

// authMethods offers the running agent first, then the first usable key file.
// release closes the agent connection.
func authMethods(identityFile, home string) (methods []ssh.AuthMethod, release func()) {
	release = func() {}

	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
			release = func() { conn.Close() }
		} else {
			log.Debug("ssh agent unavailable", "socket", sock, "error", err)
		}
	}

	candidates := []string{identityFile}
	if identityFile == "" {
		candidates = []string{
			filepath.Join(home, ".ssh", "id_ed25519"),
			filepath.Join(home, ".ssh", "id_rsa"),
		}
	}
	for _, path := range candidates {
		signer, err := loadSigner(path)
		if err != nil {
			log.Debug("skipping identity file", "path", path, "error", err)
			continue
		}
		methods = append(methods, ssh.PublicKeys(signer))
		break
	}

	return methods, release
}

func loadSigner(path string) (ssh.Signer, error) {
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(key)
}
