package inbox

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/finance-ingest/internal/config"
)

// miniFTPServer speaks just enough FTP for listing, retrieving and
// deleting files in one directory.
type miniFTPServer struct {
	listener net.Listener
	wg       sync.WaitGroup

	mu      sync.Mutex
	files   map[string]string // path -> content
	deleted []string
}

func newMiniFTPServer(t *testing.T, files map[string]string) *miniFTPServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &miniFTPServer{listener: ln, files: files}
	s.wg.Add(1)
	go s.serve()
	t.Cleanup(s.close)
	return s
}

func (s *miniFTPServer) url(dir string) string {
	return "ftp://" + s.listener.Addr().String() + dir
}

func (s *miniFTPServer) close() {
	s.listener.Close() //nolint:errcheck
	s.wg.Wait()
}

func (s *miniFTPServer) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *miniFTPServer) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close() //nolint:errcheck

	conn.SetDeadline(time.Now().Add(10 * time.Second)) //nolint:errcheck

	w := bufio.NewWriter(conn)
	r := bufio.NewReader(conn)
	reply := func(format string, args ...any) {
		fmt.Fprintf(w, format+"\r\n", args...) //nolint:errcheck
		w.Flush()                              //nolint:errcheck
	}

	reply("220 Mini FTP Server ready")

	var dataListener net.Listener
	sendData := func(payload string) {
		if dataListener == nil {
			reply("425 Use PASV first")
			return
		}
		reply("150 Opening data connection")
		dataConn, err := dataListener.Accept()
		if err != nil {
			reply("425 Can't open data connection")
			return
		}
		io.WriteString(dataConn, payload) //nolint:errcheck
		dataConn.Close()                  //nolint:errcheck
		dataListener.Close()              //nolint:errcheck
		dataListener = nil
		reply("226 Transfer complete")
	}

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		parts := strings.SplitN(strings.TrimSpace(line), " ", 2)
		cmd := strings.ToUpper(parts[0])
		arg := ""
		if len(parts) > 1 {
			arg = parts[1]
		}

		switch cmd {
		case "USER", "PASS":
			reply("230 User logged in")
		case "FEAT":
			fmt.Fprintf(w, "211-Features:\r\n UTF8\r\n") //nolint:errcheck
			reply("211 End")
		case "TYPE":
			reply("200 Type set to %s", arg)
		case "OPTS":
			reply("200 OK")
		case "EPSV":
			dataListener, err = net.Listen("tcp", "127.0.0.1:0")
			if err != nil {
				reply("425 Can't open data connection")
				continue
			}
			reply("229 Entering Extended Passive Mode (|||%d|)", dataListener.Addr().(*net.TCPAddr).Port)
		case "PASV":
			dataListener, err = net.Listen("tcp", "127.0.0.1:0")
			if err != nil {
				reply("425 Can't open data connection")
				continue
			}
			port := dataListener.Addr().(*net.TCPAddr).Port
			reply("227 Entering Passive Mode (127,0,0,1,%d,%d)", port/256, port%256)
		case "NLST":
			s.mu.Lock()
			var names []string
			for p := range s.files {
				if strings.HasPrefix(p, strings.TrimSuffix(arg, "/")+"/") {
					names = append(names, p[strings.LastIndex(p, "/")+1:])
				}
			}
			s.mu.Unlock()
			sort.Strings(names)
			var b strings.Builder
			for _, n := range names {
				b.WriteString(n + "\r\n")
			}
			sendData(b.String())
		case "RETR":
			s.mu.Lock()
			content, ok := s.files[arg]
			s.mu.Unlock()
			if !ok {
				reply("550 File not found")
				if dataListener != nil {
					dataListener.Close() //nolint:errcheck
					dataListener = nil
				}
				continue
			}
			sendData(content)
		case "DELE":
			s.mu.Lock()
			delete(s.files, arg)
			s.deleted = append(s.deleted, arg)
			s.mu.Unlock()
			reply("250 Deleted")
		case "QUIT":
			reply("221 Goodbye")
			return
		default:
			reply("502 Command not implemented")
		}
	}
}

func TestParseFTPURL(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		wantHost string
		wantDir  string
		wantErr  bool
	}{
		{name: "standard", url: "ftp://ftp.example.com/drop", wantHost: "ftp.example.com:21", wantDir: "/drop"},
		{name: "with port", url: "ftp://ftp.example.com:2121/in/invoices", wantHost: "ftp.example.com:2121", wantDir: "/in/invoices"},
		{name: "root dir", url: "ftp://ftp.example.com", wantHost: "ftp.example.com:21", wantDir: "/"},
		{name: "http rejected", url: "http://example.com/drop", wantErr: true},
		{name: "no host", url: "ftp:///drop", wantErr: true},
		{name: "invalid", url: "://bad", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, dir, err := parseFTPURL(tt.url)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantHost, host)
			assert.Equal(t, tt.wantDir, dir)
		})
	}
}

func TestNewFTP_Defaults(t *testing.T) {
	in, err := NewFTP(config.InboxConfig{FTPURL: "ftp://example.com/drop"})
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, in.timeout)
	assert.Equal(t, "anonymous", in.username)
}

func TestFTPInbox_List(t *testing.T) {
	srv := newMiniFTPServer(t, map[string]string{
		"/drop/a.pdf":     "%PDF-a",
		"/drop/b.xlsx":    "PK",
		"/drop/notes.txt": "ignore me",
		"/other/c.pdf":    "%PDF-c",
	})
	in, err := NewFTP(config.InboxConfig{FTPURL: srv.url("/drop"), TimeoutSecs: 5})
	require.NoError(t, err)

	paths, err := in.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"/drop/a.pdf", "/drop/b.xlsx"}, paths)
}

func TestFTPInbox_Fetch(t *testing.T) {
	srv := newMiniFTPServer(t, map[string]string{
		"/drop/Invoice 1.pdf": "%PDF-one",
		"/drop/b.xlsx":        "PK-two",
	})
	in, err := NewFTP(config.InboxConfig{FTPURL: srv.url("/drop"), TimeoutSecs: 5})
	require.NoError(t, err)

	staging := filepath.Join(t.TempDir(), "staging")
	staged, err := in.Fetch(context.Background(), staging, true)
	require.NoError(t, err)
	require.Len(t, staged, 2)

	byName := map[string]Staged{}
	for _, s := range staged {
		byName[s.OriginalName] = s
	}
	inv := byName["Invoice 1.pdf"]
	assert.Equal(t, "/drop/Invoice 1.pdf", inv.RemotePath)
	assert.Equal(t, ".pdf", filepath.Ext(inv.LocalPath))
	assert.NotContains(t, inv.LocalPath, "Invoice", "staged under a random name")
	assert.Equal(t, int64(len("%PDF-one")), inv.Size)

	b, err := os.ReadFile(inv.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-one", string(b))

	parts, err := filepath.Glob(filepath.Join(staging, "*"+PartSuffix))
	require.NoError(t, err)
	assert.Empty(t, parts)

	srv.mu.Lock()
	defer srv.mu.Unlock()
	assert.ElementsMatch(t, []string{"/drop/Invoice 1.pdf", "/drop/b.xlsx"}, srv.deleted)
}

func TestFTPInbox_FetchCancelled(t *testing.T) {
	srv := newMiniFTPServer(t, map[string]string{"/drop/a.pdf": "%PDF"})
	in, err := NewFTP(config.InboxConfig{FTPURL: srv.url("/drop"), TimeoutSecs: 5})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = in.Fetch(ctx, t.TempDir(), false)
	assert.Error(t, err)
}

func TestFTPInbox_ConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close() //nolint:errcheck

	in, err := NewFTP(config.InboxConfig{FTPURL: "ftp://" + addr + "/drop", TimeoutSecs: 1})
	require.NoError(t, err)
	_, err = in.List(context.Background())
	assert.Error(t, err)
}

func TestCleanParts(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "x.pdf.part"), nil, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "y.pdf"), nil, 0o600))

	n, err := CleanParts(dir)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = os.Stat(filepath.Join(dir, "y.pdf"))
	assert.NoError(t, err)
}
