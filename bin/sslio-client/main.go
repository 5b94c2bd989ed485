package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"time"

	"github.com/bifurcation/mint"
	"github.com/tlsio/sslio"
)

var addr string
var serverName string
var sessionDB string
var sessionClearAll bool
var opTimeout time.Duration

func main() {
	flag.StringVar(&addr, "addr", "localhost:4430", "server address")
	flag.StringVar(&serverName, "servername", "localhost", "server name for SNI")
	flag.StringVar(&sessionDB, "session-db", "", "session cache database file (will be created or opened)")
	flag.BoolVar(&sessionClearAll, "session-clear", false, "drop expired cached sessions and exit")
	flag.DurationVar(&opTimeout, "timeout", 30*time.Second, "per-wait I/O timeout")
	flag.Parse()

	config := mint.Config{
		ServerName: serverName,
	}

	if sessionDB != "" {
		cache, err := sslio.OpenSessionCache(sessionDB)
		if err != nil {
			log.Fatalf("client: session cache: %s", err)
		}
		defer cache.Close()
		if sessionClearAll {
			n := cache.Expire(time.Now())
			fmt.Printf("Removed %d expired sessions\n", n)
			return
		}
		config.PSKs = cache
	}

	tcp, err := net.Dial("tcp", addr)
	if err != nil {
		log.Fatalf("client: dial: %s", err)
	}
	file, err := tcp.(*net.TCPConn).File()
	if err != nil {
		log.Fatalf("client: cannot get descriptor: %s", err)
	}
	// The duplicated descriptor carries the connection from here on.
	tcp.Close()
	defer file.Close()

	desc := sslio.NewSocketDescriptor(int(file.Fd()))
	engine := sslio.NewMintClientEngine(desc, &config)
	conn, err := sslio.NewConn(engine, desc)
	if err != nil {
		log.Fatalf("client: conn: %s", err)
	}
	defer conn.Close()

	if err := conn.Handshake(opTimeout); err != nil {
		fmt.Println("TLS handshake failed:", err)
		return
	}

	request := "GET / HTTP/1.0\r\n\r\n"
	if _, err := conn.Write([]byte(request), opTimeout); err != nil {
		fmt.Println("write failed:", err)
		return
	}

	response := ""
	buffer := make([]byte, 1024)
	for {
		n, err := conn.Read(buffer, opTimeout)
		if n > 0 {
			response += string(buffer[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			fmt.Println("read:", err)
			break
		}
	}
	fmt.Println("Received from server:")
	fmt.Println(response)

	if err := conn.Shutdown(); err != nil {
		fmt.Println("shutdown:", err)
	}
}
