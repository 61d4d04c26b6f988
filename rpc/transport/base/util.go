package base

import (
	"fmt"
	"io"
	"net"
	"time"

	"github.com/ValentinKolb/tkv/rpc/common"
)

// --------------------------------------------------------------------------
// Handshake
// --------------------------------------------------------------------------

// greet performs the server side of the handshake: write the hello byte, expect it back
func greet(conn net.Conn, timeout time.Duration) error {
	if err := setDeadline(conn, timeout); err != nil {
		return err
	}
	defer conn.SetDeadline(time.Time{})

	if _, err := conn.Write([]byte{common.HelloByte}); err != nil {
		return fmt.Errorf("%w: write hello: %v", common.ErrHandshake, err)
	}

	var b [1]byte
	if _, err := io.ReadFull(conn, b[:]); err != nil {
		return fmt.Errorf("%w: read echo: %v", common.ErrHandshake, err)
	}
	if b[0] != common.HelloByte {
		return fmt.Errorf("%w: expected %d, got %d", common.ErrHandshake, common.HelloByte, b[0])
	}
	return nil
}

// Handshake performs the client side of the handshake: read the hello byte and echo it
func Handshake(conn net.Conn, timeout time.Duration) error {
	if err := setDeadline(conn, timeout); err != nil {
		return err
	}
	defer conn.SetDeadline(time.Time{})

	var b [1]byte
	if _, err := io.ReadFull(conn, b[:]); err != nil {
		return fmt.Errorf("%w: read hello: %v", common.ErrHandshake, err)
	}
	if b[0] != common.HelloByte {
		return fmt.Errorf("%w: expected %d, got %d", common.ErrHandshake, common.HelloByte, b[0])
	}
	if _, err := conn.Write(b[:]); err != nil {
		return fmt.Errorf("%w: write echo: %v", common.ErrHandshake, err)
	}
	return nil
}

func setDeadline(conn net.Conn, timeout time.Duration) error {
	if timeout <= 0 {
		return nil
	}
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("failed to set deadline: %v", err)
	}
	return nil
}
