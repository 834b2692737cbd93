// Package dataservice is the unified read path for dashboard views. Reads
// try the REST-over-SQL source first; on a cache error they schedule a
// rate-limited schema-reload NOTIFY and fall back to direct SQL behind a
// small semaphore that protects the pool from dashboard thundering herds.
package dataservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/dragonfly-ops/dragonfly/db"
)

const (
	// SourceREST and SourceDirectDB tag which leg served a read.
	SourceREST     = "rest"
	SourceDirectDB = "direct_db"

	healMinInterval   = 30 * time.Second
	fallbackSemaphore = 5
)

// cacheErrorCodes are the REST payload codes that mean "schema cache is
// stale", as opposed to a real query failure.
var cacheErrorCodes = map[string]bool{
	"PGRST002": true,
	"PGRST116": true,
}

// ErrBothPathsFailed wraps the REST and direct-SQL errors when neither leg
// could serve the read.
var ErrBothPathsFailed = errors.New("both rest and direct db paths failed")

// Config holds the REST source coordinates.
type Config struct {
	RESTBaseURL string // e.g. https://project.supabase.co
	ServiceKey  string
}

// Service serves view reads. Safe for concurrent use.
type Service struct {
	config Config
	handle *db.Handle
	client *http.Client
	logger *logharbour.Logger

	// sem caps concurrent direct-SQL fallbacks.
	sem chan struct{}

	healMu   sync.Mutex
	lastHeal time.Time

	// Injection points for tests.
	directExec func(ctx context.Context, query string, args []any) ([]map[string]any, error)
	healFn     func(ctx context.Context) error
}

func New(config Config, handle *db.Handle, lg *logharbour.Logger) *Service {
	s := &Service{
		config: config,
		handle: handle,
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
			},
		},
		logger: lg,
		sem:    make(chan struct{}, fallbackSemaphore),
	}
	s.directExec = s.execDirect
	s.healFn = s.notifyReload
	return s
}

// Result is one served read.
type Result struct {
	Rows   []map[string]any `json:"rows"`
	Source string           `json:"source"`
}

// FetchView reads up to limit rows from the named view, REST first, direct
// SQL second.
func (s *Service) FetchView(ctx context.Context, view string, filters []string, limit int) (*Result, error) {
	if !ValidViewName(view) {
		return nil, fmt.Errorf("invalid view name %q", view)
	}

	rows, restErr := s.fetchREST(ctx, view, filters, limit)
	if restErr == nil {
		return &Result{Rows: rows, Source: SourceREST}, nil
	}

	var cacheErr *restCacheError
	if errors.As(restErr, &cacheErr) {
		s.scheduleHeal()
	}

	rows, directErr := s.fetchDirect(ctx, view, filters, limit)
	if directErr != nil {
		return nil, fmt.Errorf("%w: rest: %v; direct: %v", ErrBothPathsFailed, restErr, directErr)
	}
	s.logger.WithModule("dataservice").Warn().LogActivity("rest leg failed, served from direct sql", map[string]any{
		"view":  view,
		"error": restErr.Error(),
	})
	return &Result{Rows: rows, Source: SourceDirectDB}, nil
}

// CheckCredential reports whether the REST source accepts the configured
// service key. With no REST source configured there is nothing to check.
// Only an explicit credential rejection fails the check; transport errors
// are the failover path's problem, not a readiness failure.
func (s *Service) CheckCredential(ctx context.Context) bool {
	if s.config.RESTBaseURL == "" {
		return true
	}
	reqURL := strings.TrimRight(s.config.RESTBaseURL, "/") + "/rest/v1/"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return false
	}
	req.Header.Set("apikey", s.config.ServiceKey)
	req.Header.Set("Authorization", "Bearer "+s.config.ServiceKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return true
	}
	defer resp.Body.Close()
	return resp.StatusCode != http.StatusUnauthorized && resp.StatusCode != http.StatusForbidden
}

// restCacheError marks a REST failure caused by a stale schema cache.
type restCacheError struct {
	status int
	code   string
}

func (e *restCacheError) Error() string {
	return fmt.Sprintf("rest cache error (status %d, code %q)", e.status, e.code)
}

func (s *Service) fetchREST(ctx context.Context, view string, filters []string, limit int) ([]map[string]any, error) {
	if s.config.RESTBaseURL == "" {
		return nil, errors.New("no rest source configured")
	}

	// REST exposes views unqualified; strip any schema prefix.
	restName := view
	if _, name, found := strings.Cut(view, "."); found {
		restName = name
	}

	q := url.Values{}
	for _, f := range filters {
		col, rest, found := strings.Cut(f, "=")
		if !found {
			return nil, fmt.Errorf("malformed filter %q", f)
		}
		q.Set(col, rest)
	}
	q.Set("limit", fmt.Sprint(limit))

	reqURL := fmt.Sprintf("%s/rest/v1/%s?%s", strings.TrimRight(s.config.RESTBaseURL, "/"), restName, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("apikey", s.config.ServiceKey)
	req.Header.Set("Authorization", "Bearer "+s.config.ServiceKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rest request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read rest response: %w", err)
	}

	if resp.StatusCode == http.StatusOK {
		var rows []map[string]any
		if err := json.Unmarshal(body, &rows); err != nil {
			return nil, fmt.Errorf("decode rest response: %w", err)
		}
		return rows, nil
	}

	if resp.StatusCode == http.StatusBadGateway ||
		resp.StatusCode == http.StatusServiceUnavailable ||
		resp.StatusCode == http.StatusGatewayTimeout {
		return nil, &restCacheError{status: resp.StatusCode}
	}
	var payload struct {
		Code string `json:"code"`
	}
	if json.Unmarshal(body, &payload) == nil && cacheErrorCodes[payload.Code] {
		return nil, &restCacheError{status: resp.StatusCode, code: payload.Code}
	}
	return nil, fmt.Errorf("rest returned %d", resp.StatusCode)
}

// scheduleHeal fires the schema-reload NOTIFY at most once per interval,
// never blocking the failover path.
func (s *Service) scheduleHeal() {
	s.healMu.Lock()
	defer s.healMu.Unlock()
	if time.Since(s.lastHeal) < healMinInterval {
		return
	}
	s.lastHeal = time.Now()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.healFn(ctx); err != nil {
			s.logger.WithModule("dataservice").Warn().LogActivity("schema reload notify failed", map[string]any{
				"error": err.Error(),
			})
		} else {
			s.logger.WithModule("dataservice").Info().LogActivity("schema reload notify sent", nil)
		}
	}()
}

func (s *Service) notifyReload(ctx context.Context) error {
	p := s.handle.Get()
	if p == nil {
		return errors.New("no pool for schema reload")
	}
	_, err := p.Exec(ctx, `NOTIFY pgrst, 'reload schema'`)
	return err
}

func (s *Service) fetchDirect(ctx context.Context, view string, filters []string, limit int) ([]map[string]any, error) {
	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	query, args, err := BuildQuery(view, filters, limit)
	if err != nil {
		return nil, err
	}
	return s.directExec(ctx, query, args)
}

func (s *Service) execDirect(ctx context.Context, query string, args []any) ([]map[string]any, error) {
	p := s.handle.Get()
	if p == nil {
		return nil, errors.New("database unavailable")
	}
	rows, err := p.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRows(rows)
}

func collectRows(rows pgx.Rows) ([]map[string]any, error) {
	out := []map[string]any{}
	fields := rows.FieldDescriptions()
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(map[string]any, len(fields))
		for i, fd := range fields {
			row[fd.Name] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
