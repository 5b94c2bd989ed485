package main

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"flag"
	"io"
	"log"
	"math/big"
	"net"
	"os"
	"time"

	"github.com/bifurcation/mint"
	"github.com/tlsio/sslio"
)

var port string
var serverName, serverKeyFile, serverCertFile string
var sessionDB string
var opTimeout time.Duration

func readServerKey(serverKeyFile string) crypto.Signer {
	serverKeyBytes, err := os.ReadFile(serverKeyFile)
	if err != nil {
		log.Fatalf("Cannot read key: %s", serverKeyFile)
	}
	serverKeyPEM, _ := pem.Decode(serverKeyBytes)
	serverKey, err := x509.ParsePKCS8PrivateKey(serverKeyPEM.Bytes)
	if err != nil {
		log.Fatalf("Cannot parse private key: %s", serverKeyFile)
	}
	signer, ok := serverKey.(crypto.Signer)
	if !ok {
		log.Fatalf("Key cannot sign: %s", serverKeyFile)
	}
	return signer
}

func readServerCert(serverCertFile string) *x509.Certificate {
	serverCertBytes, err := os.ReadFile(serverCertFile)
	if err != nil {
		log.Fatalf("Cannot read cert: %s", serverCertFile)
	}
	serverCertPEM, _ := pem.Decode(serverCertBytes)
	serverCert, err := x509.ParseCertificate(serverCertPEM.Bytes)
	if err != nil {
		log.Fatalf("Cannot parse cert: %s", serverCertFile)
	}
	return serverCert
}

// selfSignedCert generates an ephemeral certificate so the demo runs
// without key material on disk.
func selfSignedCert(name string) (*x509.Certificate, crypto.Signer) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		log.Fatalf("Cannot generate key: %s", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: name},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{name},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	if err != nil {
		log.Fatalf("Cannot create certificate: %s", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		log.Fatalf("Cannot parse generated certificate: %s", err)
	}
	return cert, key
}

func main() {
	flag.StringVar(&port, "port", "4430", "port")
	flag.StringVar(&serverName, "servername", "localhost", "server name")
	flag.StringVar(&serverKeyFile, "keyfile", "", "private key file (PKCS#8)")
	flag.StringVar(&serverCertFile, "certfile", "", "certificate file")
	flag.StringVar(&sessionDB, "session-db", "", "session cache database file (will be created or opened)")
	flag.DurationVar(&opTimeout, "timeout", 30*time.Second, "per-wait I/O timeout")
	flag.Parse()

	var cert *x509.Certificate
	var key crypto.Signer
	if serverKeyFile != "" && serverCertFile != "" {
		cert = readServerCert(serverCertFile)
		key = readServerKey(serverKeyFile)
	} else {
		log.Print("server: no key material given, generating an ephemeral certificate")
		cert, key = selfSignedCert(serverName)
	}

	config := mint.Config{
		ServerName: serverName,
		Certificates: []*mint.Certificate{
			{
				Chain:      []*x509.Certificate{cert},
				PrivateKey: key,
			},
		},
		SendSessionTickets: true,
	}

	if sessionDB != "" {
		cache, err := sslio.OpenSessionCache(sessionDB)
		if err != nil {
			log.Fatalf("server: session cache: %s", err)
		}
		defer cache.Close()
		config.PSKs = cache
	}

	service := "0.0.0.0:" + port
	listener, err := net.Listen("tcp", service)
	if err != nil {
		log.Fatalf("server: listen: %s", err)
	}
	log.Printf("server: listening on %s", service)

	for {
		conn, err := listener.Accept()
		if err != nil {
			log.Printf("server: accept: %s", err)
			break
		}
		log.Printf("server: accepted from %s", conn.RemoteAddr())
		go handleClient(conn, &config)
	}
}

func handleClient(conn net.Conn, config *mint.Config) {
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		log.Print("server: not a TCP connection")
		conn.Close()
		return
	}
	file, err := tcp.File()
	if err != nil {
		log.Printf("server: cannot get descriptor: %s", err)
		conn.Close()
		return
	}
	// The duplicated descriptor carries the connection from here on.
	conn.Close()
	defer file.Close()

	desc := sslio.NewSocketDescriptor(int(file.Fd()))
	engine := sslio.NewMintServerEngine(desc, config)
	sc, err := sslio.NewConn(engine, desc)
	if err != nil {
		log.Printf("server: conn: %s", err)
		return
	}
	defer sc.Close()

	if err := sc.Handshake(opTimeout); err != nil {
		log.Printf("server: handshake: %s", err)
		return
	}
	log.Print("server: handshake complete")

	buf := make([]byte, 4096)
	for {
		n, err := sc.Read(buf, opTimeout)
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Printf("server: conn: read: %s", err)
			break
		}
		if _, err := sc.Write(buf[:n], opTimeout); err != nil {
			log.Printf("server: conn: write: %s", err)
			break
		}
		log.Printf("server: conn: echoed %d bytes", n)
	}
	if err := sc.Shutdown(); err != nil {
		log.Printf("server: conn: shutdown: %s", err)
	}
	log.Print("server: conn: closed")
}
