package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/fabricedelahaij/apigate/internal/cache"
	"github.com/fabricedelahaij/apigate/internal/compress"
	"github.com/fabricedelahaij/apigate/internal/contract"
	"github.com/fabricedelahaij/apigate/internal/csrf"
	"github.com/fabricedelahaij/apigate/internal/route"
)

// stateChangingMethods are the methods subject to CSRF verification.
var stateChangingMethods = map[string]bool{
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

// state carries one request through the pipeline. It is single-writer:
// only the current stage mutates it.
type state struct {
	w http.ResponseWriter
	r *http.Request

	clientAddr string

	match *route.Match

	rawBody  []byte
	bodyRead bool
	body     any

	user any

	cacheable   bool
	fingerprint string
	cacheHit    bool

	resp *Response

	outcome string
}

// ServeHTTP drives the fixed stage order. Stages either terminate with
// a complete response, mutate the state and continue, or decline the
// request back to the fallback handler.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Stage 1: PathGuard. The status endpoint is claimed first; paths
	// outside the prefix belong to the surrounding server.
	path := r.URL.Path
	if e.cfg.StatusEnabled && path == e.cfg.StatusPath {
		e.serveStatus(w, r)
		return
	}
	if path != e.cfg.Prefix && !strings.HasPrefix(path, e.cfg.Prefix+"/") {
		e.fallback.ServeHTTP(w, r)
		return
	}

	// Stage 2: TimeoutGuard. The deadline is the single source of
	// truth from the rate limiter through the compressor.
	start := time.Now()
	ctx, cancel := context.WithTimeout(r.Context(), e.cfg.RequestTimeout)
	defer cancel()
	r = r.WithContext(ctx)

	st := &state{w: w, r: r, clientAddr: clientAddr(r), outcome: "ok"}
	declined := e.run(st)
	if declined {
		e.fallback.ServeHTTP(w, r)
		return
	}

	e.metrics.Requests.WithLabelValues(r.Method, st.outcome).Inc()
	e.metrics.Duration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
}

// run executes stages 3..13. It returns true when the engine declines
// the request (no route matched).
func (e *Engine) run(st *state) (declined bool) {
	w, r := st.w, st.r

	// Stage 3: SecurityHeaders.
	if e.cfg.EnableSecurityHeaders {
		writeSecurityHeaders(w.Header())
	}

	// Stage 4: CORS (with preflight short-circuit).
	if terminated := e.applyCORS(st); terminated {
		return false
	}

	// Stage 5: MethodFilter.
	if !e.allowedMethods[r.Method] {
		st.outcome = contract.KindMethodNotAllowed
		contract.WriteError(w, &contract.GatewayError{
			Op:      "MethodFilter",
			Kind:    contract.KindMethodNotAllowed,
			Message: "method " + r.Method + " is not allowed",
		}, e.cfg.IsDevelopment())
		return false
	}

	// Stage 6: RateLimiter.
	if terminated := e.checkRateLimit(st); terminated {
		return false
	}

	// Stage 7: CSRFVerifier.
	if e.expired(st) {
		return false
	}
	if e.cfg.EnableCSRF && stateChangingMethods[r.Method] {
		if !e.csrfStore.Verify(r.Header.Get(csrf.HeaderName)) {
			st.outcome = contract.KindCSRFInvalid
			contract.WriteError(w, &contract.GatewayError{
				Op:      "CSRFVerifier",
				Kind:    contract.KindCSRFInvalid,
				Message: "missing or invalid CSRF token",
			}, e.cfg.IsDevelopment())
			return false
		}
	}

	// Stage 8: RouteResolver.
	if e.expired(st) {
		return false
	}
	match, ok := e.resolver.Resolve(r.URL.Path)
	if !ok {
		st.outcome = contract.KindRouteNotFound
		return true
	}
	st.match = match

	// Stage 9: CacheLookup.
	if e.expired(st) {
		return false
	}
	if terminated := e.lookupCache(st); terminated {
		return false
	}

	if !st.cacheHit {
		// Stage 10: BodyReader.
		if e.expired(st) {
			return false
		}
		if terminated := e.readBody(st); terminated {
			return false
		}

		// Auth predicate runs before dispatch.
		if terminated := e.authenticate(st); terminated {
			return false
		}

		// Stage 11: HandlerDispatch.
		if e.expired(st) {
			return false
		}
		if terminated := e.dispatch(st); terminated {
			return false
		}

		// Stage 12: CacheStore.
		e.storeCache(st)
	}

	// Stage 13: Compressor and final write.
	if e.expired(st) {
		return false
	}
	e.writeResponse(st)
	return false
}

// securityHeaders is the fixed set written when enabled.
var securityHeaders = map[string]string{
	"X-Content-Type-Options":    "nosniff",
	"X-Frame-Options":           "DENY",
	"X-XSS-Protection":          "1; mode=block",
	"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
	"Content-Security-Policy":   "default-src 'self'",
	"Referrer-Policy":           "strict-origin-when-cross-origin",
	"Permissions-Policy":        "geolocation=(), microphone=(), camera=()",
}

func writeSecurityHeaders(h http.Header) {
	for k, v := range securityHeaders {
		h.Set(k, v)
	}
}

// applyCORS writes the Access-Control headers and short-circuits
// preflight requests with 204.
func (e *Engine) applyCORS(st *state) (terminated bool) {
	w, r := st.w, st.r
	h := w.Header()

	origin := r.Header.Get("Origin")
	allowed := e.cfg.AllowedOrigins()

	switch {
	case len(allowed) == 1 && allowed[0] == "*":
		h.Set("Access-Control-Allow-Origin", "*")
	case origin != "" && containsString(allowed, origin):
		h.Set("Access-Control-Allow-Origin", origin)
		h.Add("Vary", "Origin")
	default:
		// Origin not allowed: no Allow-Origin header; the browser
		// enforces the denial. Non-browser clients proceed normally.
	}

	h.Set("Access-Control-Allow-Methods", strings.Join(e.cfg.CORSMethods, ", "))
	if e.cfg.CORSCredentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	}
	h.Set("Access-Control-Max-Age", strconv.Itoa(int(e.cfg.CORSMaxAge.Seconds())))

	if r.Method == http.MethodOptions {
		st.outcome = "preflight"
		w.WriteHeader(http.StatusNoContent)
		return true
	}
	return false
}

// checkRateLimit consults the limiter and stamps the X-RateLimit-*
// headers on every response. Denials carry Retry-After and the stage's
// own body with the retry instant.
func (e *Engine) checkRateLimit(st *state) (terminated bool) {
	w := st.w

	res := e.limiter.Check(st.clientAddr)

	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))

	if res.Allowed {
		return false
	}

	retryAfter := int(math.Ceil(time.Until(res.ResetAt).Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	h.Set("Retry-After", strconv.Itoa(retryAfter))

	st.outcome = contract.KindRateLimited
	body, _ := json.Marshal(map[string]any{
		"error":          contract.KindRateLimited,
		"retry_after_at": res.ResetAt.UTC().Format(time.RFC3339),
	})
	h.Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusTooManyRequests)
	_, _ = w.Write(body)
	return true
}

// lookupCache computes the fingerprint for cacheable requests and
// serves hits. Cacheable non-GET/HEAD methods need the body digest, so
// the bounded body read happens here for them.
func (e *Engine) lookupCache(st *state) (terminated bool) {
	r := st.r

	st.cacheable = e.cfg.CacheEnabled && e.cacheMethods[r.Method]
	if !st.cacheable {
		return false
	}

	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		if terminated := e.readBody(st); terminated {
			return true
		}
	}

	st.fingerprint = cache.Fingerprint(r, st.rawBody, e.cfg.CacheVaryBy)

	entry, ok := e.store.Lookup(st.fingerprint)
	if !ok {
		return false
	}

	st.cacheHit = true
	st.resp = &Response{
		StatusCode: entry.StatusCode,
		Header:     entry.Header.Clone(),
		Body:       entry.Body,
	}
	return false
}

// readBody enforces the body ceiling, parses JSON bodies, and applies
// the legacy sanitizer. It is idempotent; the cache stage may have run
// it already.
func (e *Engine) readBody(st *state) (terminated bool) {
	if st.bodyRead {
		return false
	}
	st.bodyRead = true

	w, r := st.w, st.r
	if r.Body == nil {
		return false
	}
	defer func() { _ = r.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(r.Body, e.cfg.MaxBodySize+1))
	if err != nil {
		if r.Context().Err() != nil {
			return e.writeTimeout(st)
		}
		st.outcome = contract.KindHandlerFailure
		contract.WriteError(w, &contract.GatewayError{
			Op:      "BodyReader",
			Kind:    contract.KindHandlerFailure,
			Message: "failed to read request body",
			Err:     err,
		}, e.cfg.IsDevelopment())
		return true
	}
	if int64(len(data)) > e.cfg.MaxBodySize {
		st.outcome = contract.KindBodyTooLarge
		contract.WriteError(w, &contract.GatewayError{
			Op:      "BodyReader",
			Kind:    contract.KindBodyTooLarge,
			Message: fmt.Sprintf("request body exceeds %d bytes", e.cfg.MaxBodySize),
		}, e.cfg.IsDevelopment())
		return true
	}

	st.rawBody = data

	if len(data) > 0 && isJSONContentType(r.Header.Get("Content-Type")) {
		var parsed any
		if err := json.Unmarshal(data, &parsed); err == nil {
			if e.cfg.SanitizeInput {
				parsed = sanitizeValue(parsed)
			}
			st.body = parsed
		} else {
			st.body = data
		}
	} else if len(data) > 0 {
		st.body = data
	}
	return false
}

// authenticate runs the pluggable predicate when configured.
func (e *Engine) authenticate(st *state) (terminated bool) {
	if e.auth == nil {
		return false
	}

	user, ok := e.auth.Authenticate(st.r)
	if !ok {
		st.outcome = contract.KindUnauthorized
		contract.WriteError(st.w, &contract.GatewayError{
			Op:      "Auth",
			Kind:    contract.KindUnauthorized,
			Message: "authentication required",
		}, e.cfg.IsDevelopment())
		return true
	}
	st.user = user
	return false
}

// dispatch invokes the resolved handler under the request deadline.
// The core stops waiting at the deadline even when the handler ignores
// it; a late result is discarded.
func (e *Engine) dispatch(st *state) (terminated bool) {
	w, r := st.w, st.r

	routeHandler, ok := st.match.Handler.(*Route)
	if !ok || routeHandler == nil {
		st.outcome = contract.KindHandlerFailure
		contract.WriteError(w, &contract.GatewayError{
			Op:      "Dispatch",
			Kind:    contract.KindHandlerFailure,
			Message: "route has no handler reference",
		}, e.cfg.IsDevelopment())
		return true
	}

	h := routeHandler.handlerFor(r.Method)
	if h == nil {
		st.outcome = contract.KindMethodNotAllowed
		contract.WriteError(w, &contract.GatewayError{
			Op:      "Dispatch",
			Kind:    contract.KindMethodNotAllowed,
			Message: "route does not implement " + r.Method,
		}, e.cfg.IsDevelopment())
		return true
	}

	req := &Request{
		Method:     r.Method,
		URL:        r.URL,
		Header:     r.Header,
		Cookies:    r.Cookies(),
		Body:       st.body,
		RawBody:    st.rawBody,
		Params:     st.match.Params,
		ClientAddr: st.clientAddr,
		User:       st.user,
		issueCSRF:  e.csrfStore.Issue,
	}

	ctx, span := e.tracer.Start(r.Context(), "gateway.dispatch "+st.match.Pattern.Template)
	defer span.End()

	type result struct {
		resp  *Response
		err   error
		panic any
		stack []byte
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- result{panic: rec, stack: debug.Stack()}
			}
		}()
		resp, err := h(ctx, req)
		done <- result{resp: resp, err: err}
	}()

	select {
	case <-ctx.Done():
		return e.writeTimeout(st)
	case res := <-done:
		switch {
		case res.panic != nil:
			e.metrics.Panics.Inc()
			e.logger.Error("handler panic recovered",
				"panic", res.panic,
				"stack", string(res.stack),
				"method", r.Method,
				"path", r.URL.Path,
			)
			e.reportFailure(st, fmt.Sprintf("panic: %v", res.panic))
			st.outcome = contract.KindHandlerFailure
			e.writeHandlerFailure(st, fmt.Sprintf("panic: %v", res.panic), res.stack)
			return true
		case res.err != nil:
			e.reportFailure(st, res.err.Error())
			st.outcome = contract.KindHandlerFailure
			e.writeHandlerFailure(st, res.err.Error(), nil)
			return true
		case res.resp == nil:
			e.reportFailure(st, "handler returned no response")
			st.outcome = contract.KindHandlerFailure
			e.writeHandlerFailure(st, "handler returned no response", nil)
			return true
		}
		st.resp = res.resp
		return false
	}
}

// writeHandlerFailure writes the 500 envelope. Development mode adds
// the message and stack frames; production exposes the kind alone.
func (e *Engine) writeHandlerFailure(st *state, message string, stack []byte) {
	env := contract.Envelope{Error: contract.KindHandlerFailure}
	if e.cfg.IsDevelopment() {
		env.Message = message
		if len(stack) > 0 {
			env.Stack = strings.Split(strings.TrimSpace(string(stack)), "\n")
		}
	}
	contract.WriteEnvelope(st.w, http.StatusInternalServerError, env)
}

// writeTimeout terminates with 408 and reports the event.
func (e *Engine) writeTimeout(st *state) bool {
	st.outcome = contract.KindRequestTimeout
	e.reportTimeout(st)
	contract.WriteError(st.w, &contract.GatewayError{
		Op:      "TimeoutGuard",
		Kind:    contract.KindRequestTimeout,
		Message: "request deadline elapsed",
	}, e.cfg.IsDevelopment())
	return true
}

// expired terminates the pipeline when the deadline has elapsed.
func (e *Engine) expired(st *state) bool {
	if st.r.Context().Err() == nil {
		return false
	}
	return e.writeTimeout(st)
}

// storeCache installs the handler response when admitted: cacheable
// method, 2xx status, and the optional predicate. The predicate runs
// on the response value, before serialization.
func (e *Engine) storeCache(st *state) {
	if !st.cacheable || st.resp == nil {
		return
	}
	if st.resp.StatusCode < 200 || st.resp.StatusCode > 299 {
		return
	}
	if e.shouldCache != nil {
		req := &Request{
			Method:     st.r.Method,
			URL:        st.r.URL,
			Header:     st.r.Header,
			Params:     paramsOf(st),
			ClientAddr: st.clientAddr,
		}
		if !e.shouldCache(req, st.resp.StatusCode, st.resp.Body) {
			return
		}
	}

	entry := &cache.Entry{
		StatusCode: st.resp.StatusCode,
		Header:     cloneHeader(st.resp.Header),
		Body:       st.resp.Body,
	}
	e.store.Store(st.fingerprint, entry, e.cfg.CacheDefaultTTL)
}

// writeResponse applies the compressor and writes the final response.
// The cache stores the pre-compression body, so hits re-negotiate per
// client.
func (e *Engine) writeResponse(st *state) {
	w, r := st.w, st.r
	resp := st.resp
	h := w.Header()

	for k, vs := range resp.Header {
		h[k] = append([]string(nil), vs...)
	}

	if st.cacheable {
		if st.cacheHit {
			h.Set("X-Cache", "HIT")
			h.Set("X-Cache-Key", st.fingerprint)
		} else {
			h.Set("X-Cache", "MISS")
		}
	}

	body := resp.Body
	if e.cfg.CompressionEnabled {
		out, ok := e.compressor.Compress(compress.Input{
			Body:            body,
			ContentType:     h.Get("Content-Type"),
			ContentEncoding: h.Get("Content-Encoding"),
			URL:             r.URL.Path,
		}, r.Header.Get("Accept-Encoding"))
		if ok {
			h.Set("Content-Encoding", out.Algorithm)
			h.Add("Vary", "Accept-Encoding")
			h.Set("X-Original-Size", strconv.Itoa(out.OriginalSize))
			h.Set("X-Compression-Ratio", strconv.FormatFloat(out.Ratio(), 'f', 2, 64))
			body = out.Body
			e.metrics.CompressedResponses.WithLabelValues(out.Algorithm).Inc()
		} else {
			e.metrics.CompressedResponses.WithLabelValues("none").Inc()
		}
	}

	h.Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(body)
}

// reportFailure emits a handler_failure event with sanitized request
// metadata and the body digest.
func (e *Engine) reportFailure(st *state, message string) {
	ev := newEvent(contract.KindHandlerFailure)
	e.fillEvent(&ev, st, message)
	e.sink.Report(ev)
}

// reportTimeout emits a request_timeout event.
func (e *Engine) reportTimeout(st *state) {
	ev := newEvent(contract.KindRequestTimeout)
	e.fillEvent(&ev, st, "request deadline elapsed")
	e.sink.Report(ev)
}

func (e *Engine) fillEvent(ev *Event, st *state, message string) {
	ev.Method = st.r.Method
	ev.URL = st.r.URL.Path
	ev.ClientAddr = st.clientAddr
	ev.Query = sanitizeString(st.r.URL.RawQuery, maxStringLen)
	ev.Message = message
	if len(st.rawBody) > 0 {
		digest := sha256.Sum256(st.rawBody)
		ev.BodyDigest = hex.EncodeToString(digest[:])
	}
}

// clientAddr extracts the client IP. RemoteAddr is "ip:port" by
// default, or a bare IP when a RealIP middleware already normalized it.
func clientAddr(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

func isJSONContentType(ct string) bool {
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.EqualFold(strings.TrimSpace(ct), "application/json")
}

func containsString(items []string, want string) bool {
	for _, s := range items {
		if s == want {
			return true
		}
	}
	return false
}

func cloneHeader(h http.Header) http.Header {
	if h == nil {
		return make(http.Header)
	}
	return h.Clone()
}

func paramsOf(st *state) map[string]string {
	if st.match == nil {
		return nil
	}
	return st.match.Params
}
