package endpoint

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/skycoin/dgxfer/pkg/dgram"
)

// Protocol names.
const (
	UDPProtocol = "ocpi-udp-rdma"
	MemProtocol = "ocpi-mem-rdma"
)

// Environment variables consulted for unset local address parts.
const (
	EnvTransferAddr = "OCPI_TRANSFER_IP_ADDR"
	EnvTransferPort = "OCPI_TRANSFER_PORT"
	EnvMailbox      = "OCPI_MAILBOX"
)

// Driver creates sockets for one endpoint protocol.
type Driver interface {
	// Protocol is the endpoint string prefix served by the driver.
	Protocol() string

	// LocalAddress fills the transport part of a local address template.
	LocalAddress(tmpl Address) (Address, error)

	// Open binds a socket for local. The returned address is what peers should use,
	// with any carrier-chosen parts (such as port 0) resolved.
	Open(local Address) (dgram.Socket, Address, error)

	// SocketAddr converts an endpoint address to the carrier address of its socket.
	SocketAddr(a Address) (string, error)
}

// UDPDriver serves "ocpi-udp-rdma:<ip>;<port>:..." endpoints.
type UDPDriver struct {
	Host       string
	Port       uint16
	MaxPayload uint16
}

// Protocol implements Driver.
func (d *UDPDriver) Protocol() string { return UDPProtocol }

// LocalAddress implements Driver. Unset host and port come from the environment,
// then default to 127.0.0.1 and a system chosen port.
func (d *UDPDriver) LocalAddress(tmpl Address) (Address, error) {
	host := d.Host
	if host == "" {
		host = os.Getenv(EnvTransferAddr)
	}
	if host == "" {
		host = "127.0.0.1"
	}

	port := d.Port
	if port == 0 {
		if v := os.Getenv(EnvTransferPort); v != "" {
			p, err := strconv.ParseUint(v, 10, 16)
			if err != nil {
				return tmpl, fmt.Errorf("%s=%q: %v", EnvTransferPort, v, err)
			}
			port = uint16(p)
		}
	}

	tmpl.Protocol = UDPProtocol
	tmpl.Transport = fmt.Sprintf("%s;%d", host, port)
	return tmpl, nil
}

// Open implements Driver.
func (d *UDPDriver) Open(local Address) (dgram.Socket, Address, error) {
	hostPort, err := d.SocketAddr(local)
	if err != nil {
		return nil, local, err
	}
	sock, err := dgram.ListenUDP(hostPort, d.MaxPayload)
	if err != nil {
		return nil, local, err
	}

	host, _, _ := net.SplitHostPort(hostPort)
	_, port, err := net.SplitHostPort(sock.LocalAddr())
	if err != nil {
		sock.Close() // nolint: errcheck
		return nil, local, errors.Wrap(err, "bound address")
	}
	local.Transport = host + ";" + port
	return sock, local, nil
}

// SocketAddr implements Driver.
func (d *UDPDriver) SocketAddr(a Address) (string, error) {
	i := strings.LastIndexByte(a.Transport, ';')
	if i < 0 {
		return "", fmt.Errorf("udp endpoint %q: want <ip>;<port>", a.Transport)
	}
	if _, err := strconv.ParseUint(a.Transport[i+1:], 10, 16); err != nil {
		return "", fmt.Errorf("udp endpoint %q: port: %v", a.Transport, err)
	}
	return net.JoinHostPort(a.Transport[:i], a.Transport[i+1:]), nil
}

// MemDriver serves in-process "ocpi-mem-rdma:<name>:..." endpoints on a MemNetwork.
type MemDriver struct {
	Net        *dgram.MemNetwork
	MaxPayload uint16
}

// Protocol implements Driver.
func (d *MemDriver) Protocol() string { return MemProtocol }

// LocalAddress implements Driver.
func (d *MemDriver) LocalAddress(tmpl Address) (Address, error) {
	tmpl.Protocol = MemProtocol
	return tmpl, nil
}

// Open implements Driver.
func (d *MemDriver) Open(local Address) (dgram.Socket, Address, error) {
	sock, err := d.Net.Listen(local.Transport, d.MaxPayload)
	if err != nil {
		return nil, local, err
	}
	local.Transport = sock.LocalAddr()
	return sock, local, nil
}

// SocketAddr implements Driver.
func (d *MemDriver) SocketAddr(a Address) (string, error) {
	if a.Transport == "" {
		return "", fmt.Errorf("mem endpoint %q: empty name", a)
	}
	return a.Transport, nil
}
