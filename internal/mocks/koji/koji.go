// Package koji provides a fake Koji hub speaking XML-RPC over httptest.
package koji

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"hash/adler32"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strconv"
	"sync"

	"github.com/kolo/xmlrpc"
)

// Path is the hub endpoint below the server URL.
const Path = "/kojihub"

type Call struct {
	Path   string
	Method string
	Params []interface{}
	Query  url.Values
}

// Int returns parameter i as an int, or 0.
func (c *Call) Int(i int) int {
	if i >= len(c.Params) {
		return 0
	}
	return toInt(c.Params[i])
}

// String returns parameter i as a string, or "".
func (c *Call) String(i int) string {
	if i >= len(c.Params) {
		return ""
	}
	s, _ := c.Params[i].(string)
	return s
}

type Fault struct {
	Code   int
	String string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("fault %d: %s", f.Code, f.String)
}

type none struct{}

// None makes a handler answer <nil/>.
var None = none{}

// HandlerFunc answers a call with a value or a *Fault.
type HandlerFunc func(c *Call) (interface{}, error)

type Server struct {
	*httptest.Server

	user     string
	password string

	mu            sync.Mutex
	handlers      map[string]HandlerFunc
	calls         []Call
	sessions      map[string]int64
	nextSession   int64
	uploads       map[string][]byte
	corruptDigest bool
	fail          map[string]int
}

// NewServer starts a hub accepting the given password login and any
// certificate login. Logins, logouts and uploads are handled by the server;
// everything else needs a handler.
func NewServer(user, password string) *Server {
	s := &Server{
		user:     user,
		password: password,
		handlers: map[string]HandlerFunc{},
		sessions: map[string]int64{},
		uploads:  map[string][]byte{},
		fail:     map[string]int{},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serveHTTP))
	return s
}

// URL of the hub endpoint.
func (s *Server) HubURL() string {
	return s.Server.URL + Path
}

func (s *Server) Handle(method string, h HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// FailWith answers all further calls to method with an HTTP status.
func (s *Server) FailWith(method string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[method] = status
}

// CorruptUploads makes upload replies carry a wrong digest.
func (s *Server) CorruptUploads() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.corruptDigest = true
}

// ExpireSessions drops all sessions on the server side.
func (s *Server) ExpireSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = map[string]int64{}
}

func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallsTo returns the calls of one method in arrival order.
func (s *Server) CallsTo(method string) []Call {
	var calls []Call
	for _, c := range s.Calls() {
		if c.Method == method {
			calls = append(calls, c)
		}
	}
	return calls
}

// Uploaded returns the content uploaded to path/name.
func (s *Server) Uploaded(path, name string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploads[path+"/"+name]
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	query := r.URL.Query()
	if query.Get("filepath") != "" {
		s.serveUpload(w, query, body)
		return
	}

	method, params, err := decodeCall(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	c := Call{Path: r.URL.Path, Method: method, Params: params, Query: query}

	s.mu.Lock()
	s.calls = append(s.calls, c)
	status := s.fail[method]
	handler := s.handlers[method]
	s.mu.Unlock()

	if status != 0 {
		w.WriteHeader(status)
		return
	}

	var result interface{}
	switch method {
	case "login":
		result, err = s.login(c.String(0), c.String(1))
	case "sslLogin":
		result, err = s.newSession()
	case "logout":
		if err = s.checkSession(query); err == nil {
			s.mu.Lock()
			delete(s.sessions, query.Get("session-key"))
			s.mu.Unlock()
			result = None
		}
	default:
		if query.Get("session-key") != "" {
			if err = s.checkSession(query); err != nil {
				break
			}
		}
		if handler == nil {
			err = &Fault{Code: 1000, String: fmt.Sprintf("Invalid method: %s", method)}
			break
		}
		result, err = handler(&c)
	}

	writeResult(w, result, err)
}

func (s *Server) login(user, password string) (interface{}, error) {
	if user != s.user || password != s.password {
		return nil, &Fault{Code: 1002, String: "Invalid username or password"}
	}
	return s.newSession()
}

func (s *Server) newSession() (interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSession++
	key := fmt.Sprintf("%d-key%d", s.nextSession, s.nextSession)
	s.sessions[key] = -1
	return map[string]interface{}{
		"session-id":  int(s.nextSession),
		"session-key": key,
	}, nil
}

// checkSession validates the session parameters and the call sequence.
func (s *Server) checkSession(query url.Values) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := query.Get("session-key")
	last, ok := s.sessions[key]
	if !ok {
		return &Fault{Code: 1007, String: fmt.Sprintf("session %q has expired", query.Get("session-id"))}
	}
	callnum, err := strconv.ParseInt(query.Get("callnum"), 10, 64)
	if err != nil || callnum <= last {
		return &Fault{Code: 1008, String: fmt.Sprintf("invalid callnum: %s", query.Get("callnum"))}
	}
	s.sessions[key] = callnum
	return nil
}

func (s *Server) serveUpload(w http.ResponseWriter, query url.Values, chunk []byte) {
	s.mu.Lock()
	s.calls = append(s.calls, Call{Path: Path, Method: "uploadFile", Query: query})
	s.mu.Unlock()

	if err := s.checkSession(query); err != nil {
		writeResult(w, nil, err)
		return
	}

	offset, err := strconv.Atoi(query.Get("offset"))
	if err != nil {
		writeResult(w, nil, &Fault{Code: 1000, String: "invalid offset"})
		return
	}

	s.mu.Lock()
	key := query.Get("filepath") + "/" + query.Get("filename")
	data := s.uploads[key]
	if len(data) != offset {
		s.mu.Unlock()
		writeResult(w, nil, &Fault{Code: 1000, String: fmt.Sprintf("unexpected offset %d", offset)})
		return
	}
	s.uploads[key] = append(data, chunk...)
	digest := adler32.Checksum(chunk)
	if s.corruptDigest {
		digest++
	}
	s.mu.Unlock()

	writeResult(w, map[string]interface{}{
		"size":      len(chunk),
		"hexdigest": fmt.Sprintf("%08x", digest),
	}, nil)
}

var (
	methodNameRx = regexp.MustCompile(`<methodName>([^<]*)</methodName>`)
	paramRx      = regexp.MustCompile(`(?s)<param>\s*(.*?)\s*</param>`)
	callHeadRx   = regexp.MustCompile(`<methodCall>\s*<methodName>[^<]*</methodName>`)
)

// decodeCall turns the parameters into one array so the response decoder
// can read them.
func decodeCall(body []byte) (string, []interface{}, error) {
	m := methodNameRx.FindSubmatch(body)
	if m == nil {
		return "", nil, fmt.Errorf("no method name in request")
	}

	var b bytes.Buffer
	b.WriteString("<methodResponse><params><param><value><array><data>")
	for _, p := range paramRx.FindAllSubmatch(body, -1) {
		b.Write(p[1])
	}
	b.WriteString("</data></array></value></param></params></methodResponse>")

	var params []interface{}
	if err := xmlrpc.Response(b.Bytes()).Unmarshal(&params); err != nil {
		return "", nil, fmt.Errorf("cannot decode parameters: %w", err)
	}
	return string(m[1]), params, nil
}

func writeResult(w http.ResponseWriter, result interface{}, err error) {
	w.Header().Set("Content-Type", "text/xml")

	if err != nil {
		fault, ok := err.(*Fault)
		if !ok {
			fault = &Fault{Code: 1000, String: err.Error()}
		}
		var msg bytes.Buffer
		_ = xml.EscapeText(&msg, []byte(fault.String))
		fmt.Fprintf(w, `<?xml version="1.0"?><methodResponse><fault><value><struct>`+
			`<member><name>faultCode</name><value><int>%d</int></value></member>`+
			`<member><name>faultString</name><value><string>%s</string></value></member>`+
			`</struct></value></fault></methodResponse>`, fault.Code, msg.String())
		return
	}

	if _, ok := result.(none); ok || result == nil {
		fmt.Fprint(w, `<?xml version="1.0"?><methodResponse><params><param><value><nil/></value></param></params></methodResponse>`)
		return
	}

	body, encErr := xmlrpc.EncodeMethodCall("result", result)
	if encErr != nil {
		http.Error(w, encErr.Error(), http.StatusInternalServerError)
		return
	}
	body = callHeadRx.ReplaceAll(body, []byte("<methodResponse>"))
	body = bytes.Replace(body, []byte("</methodCall>"), []byte("</methodResponse>"), 1)
	_, _ = w.Write(body)
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case int32:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

// Ints converts an XML-RPC array parameter.
func Ints(v interface{}) []int {
	items, _ := v.([]interface{})
	ints := make([]int, 0, len(items))
	for _, item := range items {
		ints = append(ints, toInt(item))
	}
	return ints
}

// Strings converts an XML-RPC array parameter.
func Strings(v interface{}) []string {
	items, _ := v.([]interface{})
	strs := make([]string, 0, len(items))
	for _, item := range items {
		s, _ := item.(string)
		strs = append(strs, s)
	}
	return strs
}
