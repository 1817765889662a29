// Package redisstub runs a tiny in-process RESP2 server that understands the
// string commands used by the Redis KV store and the rate limiter, plus
// WATCH/MULTI/EXEC for optimistic transactions.
package redisstub

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Options struct {
	Password  string
	EnableTLS bool
}

type Server struct {
	opts     Options
	listener net.Listener
	addr     string
	// cmdMu serialises whole commands so EXEC runs its queue atomically.
	cmdMu    sync.Mutex
	mu       sync.Mutex
	kv       map[string]*entry
	versions map[string]uint64
	closed   chan struct{}
	tlsCert  tls.Certificate
	certPEM  []byte
	keyPEM   []byte
	failNext map[string]string
}

type entry struct {
	value  string
	expiry time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiry.IsZero() && !now.Before(e.expiry)
}

func Start(opts Options) (*Server, error) {
	var ln net.Listener
	var err error
	server := &Server{
		opts:     opts,
		kv:       make(map[string]*entry),
		versions: make(map[string]uint64),
		closed:   make(chan struct{}),
		failNext: make(map[string]string),
	}
	addr := "127.0.0.1:0"
	if opts.EnableTLS {
		certPEM, keyPEM, cert, err := generateSelfSignedCert()
		if err != nil {
			return nil, err
		}
		server.tlsCert = cert
		server.certPEM = certPEM
		server.keyPEM = keyPEM
		ln, err = tls.Listen("tcp", addr, &tls.Config{Certificates: []tls.Certificate{cert}})
		if err != nil {
			return nil, err
		}
	} else {
		ln, err = net.Listen("tcp", addr)
		if err != nil {
			return nil, err
		}
	}
	server.listener = ln
	server.addr = ln.Addr().String()
	go server.serve()
	return server, nil
}

func (s *Server) Addr() string {
	return s.addr
}

func (s *Server) CertPEM() []byte {
	return s.certPEM
}

// FailNext makes the next invocation of cmd reply with an error.
func (s *Server) FailNext(cmd, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[strings.ToUpper(cmd)] = message
}

// Value returns the raw stored value for key, ignoring expiry.
func (s *Server) Value(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.kv[key]
	if !ok {
		return "", false
	}
	return e.value, true
}

// Expire forces key to expire now.
func (s *Server) Expire(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.kv[key]; ok {
		e.expiry = time.Now().Add(-time.Millisecond)
	}
}

func (s *Server) Close() error {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return nil
	default:
	}
	close(s.closed)
	s.mu.Unlock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	return nil
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	authenticated := s.opts.Password == ""
	var (
		watched map[string]uint64
		inMulti bool
		queued  [][]string
	)
	for {
		args, err := readArray(reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			_ = writeError(writer, "ERR wrong number of arguments")
			continue
		}
		cmd := strings.ToUpper(args[0])
		var werr error
		switch cmd {
		case "HELLO":
			// Forces go-redis to fall back to RESP2.
			werr = writeError(writer, "ERR unknown command 'HELLO'")
		case "PING":
			werr = writeSimpleString(writer, "PONG")
		case "AUTH":
			password := args[len(args)-1]
			if len(args) < 2 || len(args) > 3 {
				werr = writeError(writer, "ERR wrong number of arguments for 'auth'")
			} else if s.opts.Password == "" || password == s.opts.Password {
				authenticated = true
				werr = writeSimpleString(writer, "OK")
			} else {
				werr = writeError(writer, "WRONGPASS invalid username-password pair")
			}
		case "SELECT", "CLIENT":
			werr = writeSimpleString(writer, "OK")
		case "WATCH":
			if inMulti {
				werr = writeError(writer, "ERR WATCH inside MULTI is not allowed")
				break
			}
			if watched == nil {
				watched = make(map[string]uint64)
			}
			s.mu.Lock()
			for _, key := range args[1:] {
				watched[key] = s.versions[key]
			}
			s.mu.Unlock()
			werr = writeSimpleString(writer, "OK")
		case "UNWATCH":
			watched = nil
			werr = writeSimpleString(writer, "OK")
		case "MULTI":
			if inMulti {
				werr = writeError(writer, "ERR MULTI calls can not be nested")
				break
			}
			inMulti, queued = true, nil
			werr = writeSimpleString(writer, "OK")
		case "DISCARD":
			inMulti, queued, watched = false, nil, nil
			werr = writeSimpleString(writer, "OK")
		case "EXEC":
			if !inMulti {
				werr = writeError(writer, "ERR EXEC without MULTI")
				break
			}
			werr = s.exec(writer, watched, queued)
			inMulti, queued, watched = false, nil, nil
		default:
			switch {
			case !authenticated:
				werr = writeError(writer, "NOAUTH Authentication required.")
			case inMulti:
				queued = append(queued, args)
				werr = writeSimpleString(writer, "QUEUED")
			default:
				s.cmdMu.Lock()
				werr = s.dispatch(writer, cmd, args[1:])
				s.cmdMu.Unlock()
			}
		}
		if werr != nil {
			return
		}
	}
}

// exec runs a queued transaction, or replies with a nil array when a
// watched key changed since WATCH.
func (s *Server) exec(w *bufio.Writer, watched map[string]uint64, queued [][]string) error {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	s.mu.Lock()
	aborted := false
	for key, version := range watched {
		if s.versions[key] != version {
			aborted = true
			break
		}
	}
	s.mu.Unlock()
	if aborted {
		if _, err := w.WriteString("*-1\r\n"); err != nil {
			return err
		}
		return w.Flush()
	}

	replies := make([][]byte, 0, len(queued))
	for _, args := range queued {
		var buf bytes.Buffer
		bw := bufio.NewWriter(&buf)
		if err := s.dispatch(bw, strings.ToUpper(args[0]), args[1:]); err != nil {
			return err
		}
		if err := bw.Flush(); err != nil {
			return err
		}
		replies = append(replies, buf.Bytes())
	}
	if _, err := fmt.Fprintf(w, "*%d\r\n", len(replies)); err != nil {
		return err
	}
	for _, reply := range replies {
		if _, err := w.Write(reply); err != nil {
			return err
		}
	}
	return w.Flush()
}

// touch marks key as modified for WATCH. Callers hold s.mu.
func (s *Server) touch(key string) {
	s.versions[key]++
}

func (s *Server) dispatch(w *bufio.Writer, cmd string, args []string) error {
	s.mu.Lock()
	if msg, ok := s.failNext[cmd]; ok {
		delete(s.failNext, cmd)
		s.mu.Unlock()
		return writeError(w, msg)
	}
	s.mu.Unlock()

	switch cmd {
	case "GET":
		if len(args) != 1 {
			return writeError(w, "ERR wrong number of arguments for 'get'")
		}
		value, ok := s.get(args[0])
		if !ok {
			return writeBulkNil(w)
		}
		return writeBulkString(w, value)
	case "SET":
		return s.handleSet(w, args)
	case "DEL":
		return writeInteger(w, s.del(args))
	case "EXISTS":
		var n int64
		for _, key := range args {
			if _, ok := s.get(key); ok {
				n++
			}
		}
		return writeInteger(w, n)
	case "INCR":
		if len(args) != 1 {
			return writeError(w, "ERR wrong number of arguments for 'incr'")
		}
		value, err := s.incr(args[0])
		if err != nil {
			return writeError(w, err.Error())
		}
		return writeInteger(w, value)
	case "EXPIRE", "PEXPIRE":
		if len(args) < 2 {
			return writeError(w, "ERR wrong number of arguments")
		}
		n, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return writeError(w, "ERR value is not an integer or out of range")
		}
		unit := time.Second
		if cmd == "PEXPIRE" {
			unit = time.Millisecond
		}
		return writeInteger(w, s.expire(args[0], time.Duration(n)*unit))
	case "TTL", "PTTL":
		if len(args) != 1 {
			return writeError(w, "ERR wrong number of arguments")
		}
		unit := time.Second
		if cmd == "PTTL" {
			unit = time.Millisecond
		}
		return writeInteger(w, s.ttl(args[0], unit))
	case "SCAN":
		return s.handleScan(w, args)
	case "FLUSHDB", "FLUSHALL":
		s.mu.Lock()
		for key := range s.kv {
			s.touch(key)
		}
		s.kv = make(map[string]*entry)
		s.mu.Unlock()
		return writeSimpleString(w, "OK")
	default:
		return writeError(w, fmt.Sprintf("ERR unknown command '%s'", strings.ToLower(cmd)))
	}
}

func (s *Server) handleSet(w *bufio.Writer, args []string) error {
	if len(args) < 2 {
		return writeError(w, "ERR wrong number of arguments for 'set'")
	}
	key, value := args[0], args[1]
	var ttl time.Duration
	nx := false
	for i := 2; i < len(args); i++ {
		switch strings.ToUpper(args[i]) {
		case "EX", "PX":
			if i+1 >= len(args) {
				return writeError(w, "ERR syntax error")
			}
			n, err := strconv.ParseInt(args[i+1], 10, 64)
			if err != nil || n <= 0 {
				return writeError(w, "ERR invalid expire time in 'set' command")
			}
			if strings.EqualFold(args[i], "EX") {
				ttl = time.Duration(n) * time.Second
			} else {
				ttl = time.Duration(n) * time.Millisecond
			}
			i++
		case "NX":
			nx = true
		case "KEEPTTL":
		default:
			return writeError(w, "ERR syntax error")
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if existing, ok := s.kv[key]; nx && ok && !existing.expired(now) {
		return writeBulkNil(w)
	}
	e := &entry{value: value}
	if ttl > 0 {
		e.expiry = now.Add(ttl)
	}
	s.kv[key] = e
	s.touch(key)
	return writeSimpleString(w, "OK")
}

func (s *Server) handleScan(w *bufio.Writer, args []string) error {
	if len(args) < 1 {
		return writeError(w, "ERR wrong number of arguments for 'scan'")
	}
	pattern := "*"
	for i := 1; i+1 < len(args); i += 2 {
		if strings.EqualFold(args[i], "MATCH") {
			pattern = args[i+1]
		}
	}
	s.mu.Lock()
	now := time.Now()
	keys := make([]string, 0, len(s.kv))
	for key, e := range s.kv {
		if e.expired(now) {
			continue
		}
		if ok, _ := path.Match(pattern, key); ok {
			keys = append(keys, key)
		}
	}
	s.mu.Unlock()
	sort.Strings(keys)
	items := make([]interface{}, 0, len(keys))
	for _, key := range keys {
		items = append(items, key)
	}
	// The whole keyspace is returned in one page with cursor 0.
	return writeArray(w, []interface{}{"0", items})
}

func (s *Server) get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.kv[key]
	if !ok {
		return "", false
	}
	if e.expired(time.Now()) {
		delete(s.kv, key)
		return "", false
	}
	return e.value, true
}

func (s *Server) del(keys []string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, key := range keys {
		if _, ok := s.kv[key]; ok {
			delete(s.kv, key)
			s.touch(key)
			n++
		}
	}
	return n
}

func (s *Server) incr(key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.kv[key]
	if e == nil || e.expired(time.Now()) {
		e = &entry{value: "0"}
		s.kv[key] = e
	}
	current, err := strconv.ParseInt(e.value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("ERR value is not an integer or out of range")
	}
	current++
	e.value = strconv.FormatInt(current, 10)
	s.touch(key)
	return current, nil
}

func (s *Server) expire(key string, ttl time.Duration) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.kv[key]
	if e == nil || e.expired(time.Now()) {
		return 0
	}
	e.expiry = time.Now().Add(ttl)
	s.touch(key)
	return 1
}

func (s *Server) ttl(key string, unit time.Duration) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.kv[key]
	if e == nil {
		return -2
	}
	if e.expiry.IsZero() {
		return -1
	}
	remaining := time.Until(e.expiry)
	if remaining <= 0 {
		delete(s.kv, key)
		return -2
	}
	return int64(remaining / unit)
}

func generateSelfSignedCert() ([]byte, []byte, tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	derBytes, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	return certPEM, keyPEM, cert, nil
}

func readArray(r *bufio.Reader) ([]string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if prefix != '*' {
		return nil, fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, length)
	for i := 0; i < length; i++ {
		arg, err := readBulkString(r)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

func readLength(r *bufio.Reader) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimRight(line, "\r\n"))
}

func readBulkString(r *bufio.Reader) (string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	if prefix != '$' {
		return "", fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return "", err
	}
	if length < 0 {
		return "", nil
	}
	buf := make([]byte, length+2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf[:length]), nil
}

func writeSimpleString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "+%s\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeBulkString(w *bufio.Writer, value string) error {
	if err := writeBulkStringRaw(w, value); err != nil {
		return err
	}
	return w.Flush()
}

func writeBulkNil(w *bufio.Writer) error {
	if _, err := w.WriteString("$-1\r\n"); err != nil {
		return err
	}
	return w.Flush()
}

func writeInteger(w *bufio.Writer, value int64) error {
	if _, err := fmt.Fprintf(w, ":%d\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeArray(w *bufio.Writer, values []interface{}) error {
	if err := writeArrayRaw(w, values); err != nil {
		return err
	}
	return w.Flush()
}

func writeArrayRaw(w *bufio.Writer, values []interface{}) error {
	if _, err := fmt.Fprintf(w, "*%d\r\n", len(values)); err != nil {
		return err
	}
	for _, value := range values {
		var err error
		switch v := value.(type) {
		case string:
			err = writeBulkStringRaw(w, v)
		case int64:
			_, err = fmt.Fprintf(w, ":%d\r\n", v)
		case []interface{}:
			err = writeArrayRaw(w, v)
		default:
			err = writeBulkStringRaw(w, fmt.Sprint(v))
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func writeBulkStringRaw(w *bufio.Writer, value string) error {
	_, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(value), value)
	return err
}

func writeError(w *bufio.Writer, msg string) error {
	if _, err := fmt.Fprintf(w, "-%s\r\n", msg); err != nil {
		return err
	}
	return w.Flush()
}
