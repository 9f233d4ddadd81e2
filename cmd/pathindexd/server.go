package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/relnix/pathindex/query"
	"github.com/relnix/pathindex/tiered"
)

// defaultQueryLimit is spec 6's stated HTTP default for an omitted limit.
const defaultQueryLimit = 100

// socketQueryLimit is spec 6's fixed cap for the line-protocol surface
// ("up to 200 newline-terminated absolute paths").
const socketQueryLimit = 200

type hit struct {
	Path string `json:"path"`
	Size uint64 `json:"size"`
}

type statusResponse struct {
	IndexedCount int `json:"indexed_count"`
}

// newHTTPServer builds the query and status surface cserver's
// regexp-over-content handler generalizes into substring-over-path,
// described in spec 6.
func newHTTPServer(addr string, ti *tiered.TieredIndex, log zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/query", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		if q == "" {
			http.Error(w, "missing required parameter \"q\"", http.StatusBadRequest)
			return
		}
		limit := defaultQueryLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				http.Error(w, "invalid \"limit\"", http.StatusBadRequest)
				return
			}
			limit = n
		}

		results := ti.Query(query.Query{Matcher: query.NewSubstring(q), Limit: limit})
		hits := make([]hit, len(results))
		for i, res := range results {
			hits[i] = hit{Path: res.Path, Size: res.Size}
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(hits); err != nil {
			log.Warn().Err(err).Msg("query: failed to encode response")
		}
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		s := ti.Stats()
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(statusResponse{IndexedCount: s.IndexedCount}); err != nil {
			log.Warn().Err(err).Msg("status: failed to encode response")
		}
	})

	return &http.Server{Addr: addr, Handler: mux}
}

// socketServer serves spec 6's line-protocol Unix-socket endpoint:
// each "cmd:keyword" line in gets up to socketQueryLimit newline-terminated
// absolute paths out; a connection may send any number of lines.
type socketServer struct {
	ln  net.Listener
	ti  *tiered.TieredIndex
	log zerolog.Logger
}

func newSocketServer(path string, ti *tiered.TieredIndex, log zerolog.Logger) (*socketServer, error) {
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	return &socketServer{ln: ln, ti: ti, log: log}, nil
}

// Serve blocks accepting connections until the listener is closed by
// Shutdown, matching the http.Server convention pathindexd's other
// surfaces already follow.
func (s *socketServer) Serve() error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return http.ErrServerClosed
			}
			return err
		}
		go s.handle(conn)
	}
}

func (s *socketServer) Shutdown(context.Context) error {
	return s.ln.Close()
}

func (s *socketServer) handle(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		_, keyword, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		results := s.ti.Query(query.Query{Matcher: query.NewSubstring(keyword), Limit: socketQueryLimit})
		w := bufio.NewWriter(conn)
		for _, res := range results {
			w.WriteString(res.Path)
			w.WriteByte('\n')
		}
		if err := w.Flush(); err != nil {
			s.log.Debug().Err(err).Msg("socket: write failed, client likely disconnected")
			return
		}
	}
}
