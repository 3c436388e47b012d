package sanity

// sanity is a simple testing framework for the pixure API - it allows easy chaining of dependent calls,
// carrying session cookies and placeholders (e.g. :resourceID, {alice}) from previous calls

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/MalauD/Pixure/media"
	"github.com/MalauD/Pixure/metadata"
	"github.com/MalauD/Pixure/server"
	"github.com/MalauD/Pixure/session"
	"github.com/MalauD/Pixure/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Password is used for every user registered by a chain
const Password = "correct horse battery staple"

var userCounter int64

func uniqueUsername(role string) string {
	return fmt.Sprintf("%s-%d", role, atomic.AddInt64(&userCounter, 1))
}

type testCtx struct {
	failed       bool
	narrative    []string
	t            *testing.T
	resourceID   string
	users        map[string]string
	cookies      map[string]map[string]*http.Cookie
	lastResponse *HTTPResp
	server       *server.Server
}

func (tc *testCtx) String() string {
	return strings.Join(tc.narrative, " > ")
}

func (tc *testCtx) PushNarrative(narrative string) *testCtx {
	newTc := *tc
	newTc.narrative = append(append([]string{}, tc.narrative...), narrative)
	return &newTc
}

// fork copies the per-chain state so that sibling chains don't see each other's users and sessions
func (tc *testCtx) fork() *testCtx {
	newTc := *tc
	newTc.users = make(map[string]string, len(tc.users))
	for role, name := range tc.users {
		newTc.users[role] = name
	}
	newTc.cookies = make(map[string]map[string]*http.Cookie, len(tc.cookies))
	for role, jar := range tc.cookies {
		newJar := make(map[string]*http.Cookie, len(jar))
		for name, cookie := range jar {
			newJar[name] = cookie
		}
		newTc.cookies[role] = newJar
	}
	return &newTc
}

// TestCase is a Server API test case that can be recorded and run
type TestCase struct {
	narrative string
	tests     []*APIChain
}

// NewCase starts a test case with a given name
func NewCase(narrative string) *TestCase {
	return &TestCase{narrative: narrative}
}

// HTTPResp wraps an httpResponse with a buffered body
type HTTPResp struct {
	resp *http.Response
	body []byte
}

func (r *HTTPResp) String() string {
	return fmt.Sprintf("code:%d  h: %v  body: %s", r.resp.StatusCode, r.resp.Header, string(r.body))
}

type resultFunc func(ctx *testCtx, response *HTTPResp)

type resultAction struct {
	narrative string
	action    resultFunc
}

// APIChain is an operation on root API
type APIChain struct {
	narrative string
	path      string
	method    string
	as        string
	registers string
	headers   map[string]string
	body      []byte
	expect    []*resultAction
	cmd       []*APIChain
}

func (tc *testCtx) Errorf(msg string, args ...interface{}) {
	tc.failed = true
	tc.t.Logf("Expectation failed: \n\t\t%s ", strings.Join(tc.narrative, "\n\t\t ->  "))
	tc.t.Logf(msg, args...)
	tc.t.Logf("Last Response was: %v", tc.lastResponse)
	tc.t.Fail()
}

func (tc *testCtx) FailNow() {
	tc.t.FailNow()
}

// As sends the current request with the session of role; an empty role is anonymous
func (c *APIChain) As(role string) *APIChain {
	c.as = role
	return c
}

// WithHeader appends a header to the current request
func (c *APIChain) WithHeader(k string, v string) *APIChain {
	c.headers[k] = v
	return c
}

// WithBodyString adds a body string to the current command
func (c *APIChain) WithBodyString(data string) *APIChain {
	c.body = []byte(data)
	return c
}

// WithBody adds raw bytes to the current command
func (c *APIChain) WithBody(contentType string, data []byte) *APIChain {
	c.body = data
	return c.WithHeader("content-type", contentType)
}

// WithJSON marshals v as the request body
func (c *APIChain) WithJSON(v interface{}) *APIChain {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return c.WithBody("application/json", data)
}

// WithCredentials sends a login or register body; the username may be a placeholder such as {alice}
func (c *APIChain) WithCredentials(username, password string) *APIChain {
	return c.WithJSON(map[string]string{"username": username, "password": password})
}

// FilePart is one part of a multipart upload, a part without a file name is a plain form field
type FilePart struct {
	FileName    string
	ContentType string
	Data        []byte
}

// WithFiles sends parts as a multipart/form-data body
func (c *APIChain) WithFiles(parts ...FilePart) *APIChain {
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	for _, p := range parts {
		header := map[string][]string{}
		if p.FileName != "" {
			header["Content-Disposition"] = []string{fmt.Sprintf(`form-data; name="file"; filename="%s"`, p.FileName)}
		} else {
			header["Content-Disposition"] = []string{`form-data; name="note"`}
		}
		if p.ContentType != "" {
			header["Content-Type"] = []string{p.ContentType}
		}
		pw, err := w.CreatePart(header)
		if err != nil {
			panic(err)
		}
		pw.Write(p.Data)
	}
	w.Close()
	return c.WithBody(w.FormDataContentType(), buf.Bytes())
}

// WithFile uploads a single file
func (c *APIChain) WithFile(fileName, contentType string, data []byte) *APIChain {
	return c.WithFiles(FilePart{FileName: fileName, ContentType: contentType, Data: data})
}

// Expect appends an expectation to the current case
func (c *APIChain) Expect(fn resultFunc, msg string, args ...interface{}) *APIChain {
	c.expect = append(c.expect, &resultAction{fmt.Sprintf(msg, args...), fn})
	return c
}

// ExpectStatus creates an HTTP code expectation
func (c *APIChain) ExpectStatus(status int) *APIChain {
	return c.Expect(func(ctx *testCtx, resp *HTTPResp) {
		assert.Equal(ctx, status, resp.resp.StatusCode, "Http status should be %d", status)
	}, "status matches %d", status)
}

// ExpectServerErr expects a server-side error matching a given error
func (c *APIChain) ExpectServerErr(serverErr *server.Error) *APIChain {
	return c.Expect(func(ctx *testCtx, resp *HTTPResp) {
		assert.Equal(ctx, serverErr.HTTPStatus, resp.resp.StatusCode)
		assert.Equal(ctx, "text/plain", resp.resp.Header.Get("content-type"))
		assert.Equal(ctx, serverErr.Message, string(resp.body), "Error body did not match")
	}, "Server Error : %d %s", serverErr.HTTPStatus, serverErr.Message)
}

// ExpectForbidden expects a permission denial
func (c *APIChain) ExpectForbidden() *APIChain {
	return c.ExpectStatus(http.StatusForbidden).
		Expect(func(ctx *testCtx, resp *HTTPResp) {
			assert.Contains(ctx, string(resp.body), "insufficient permissions")
		}, "Permission denied")
}

// ExpectHeader expects response header k to equal v
func (c *APIChain) ExpectHeader(k string, v string) *APIChain {
	return c.Expect(func(ctx *testCtx, resp *HTTPResp) {
		assert.Equal(ctx, v, resp.resp.Header.Get(k))
	}, "header %s is %s", k, v)
}

// ExpectBlob expects a body of data served with contentType
func (c *APIChain) ExpectBlob(contentType string, data []byte) *APIChain {
	return c.ExpectStatus(http.StatusOK).
		Expect(func(ctx *testCtx, resp *HTTPResp) {
			assert.Equal(ctx, contentType, resp.resp.Header.Get("content-type"))
			assert.Equal(ctx, data, resp.body)
		}, "Blob of type %s", contentType)
}

// ExpectLoggedIn verifies that the server answered with role's user name
func (c *APIChain) ExpectLoggedIn(role string) *APIChain {
	return c.ExpectStatus(http.StatusOK).
		Expect(func(ctx *testCtx, resp *HTTPResp) {
			var body struct {
				Username string `json:"username"`
			}
			require.NoError(ctx, json.Unmarshal(resp.body, &body))
			assert.Equal(ctx, ctx.users[role], body.Username)
			assert.NotEmpty(ctx, ctx.cookies[role][server.SessionCookie], "session cookie must be set")
		}, "%s is logged in", role)
}

// ExpectResource checks the resource view returned by the server
func (c *APIChain) ExpectResource(test func(*testCtx, *ResourceView)) *APIChain {
	return c.ExpectStatus(http.StatusOK).
		Expect(func(ctx *testCtx, resp *HTTPResp) {
			view := &ResourceView{}
			require.NoError(ctx, json.Unmarshal(resp.body, view))
			test(ctx, view)
		}, "Resource view")
}

// ExpectResourceCreated verifies that an upload created resources and remembers the first one as :resourceID
func (c *APIChain) ExpectResourceCreated(count int) *APIChain {
	return c.ExpectStatus(http.StatusOK).
		Expect(func(ctx *testCtx, resp *HTTPResp) {
			var body struct {
				Resources []*ResourceView `json:"resources"`
			}
			require.NoError(ctx, json.Unmarshal(resp.body, &body))
			require.Len(ctx, body.Resources, count)
			for _, r := range body.Resources {
				assert.NotEmpty(ctx, r.ID)
				assert.False(ctx, r.ReadPublic)
				assert.False(ctx, r.WritePublic)
			}
			ctx.resourceID = body.Resources[0].ID
		}, "%d resources were created", count)
}

// ExpectListed verifies the number of resources in a listing page
func (c *APIChain) ExpectListed(count int) *APIChain {
	return c.ExpectStatus(http.StatusOK).
		Expect(func(ctx *testCtx, resp *HTTPResp) {
			var body struct {
				Resources []*ResourceView `json:"resources"`
			}
			require.NoError(ctx, json.Unmarshal(resp.body, &body))
			assert.Len(ctx, body.Resources, count)
		}, "%d resources listed", count)
}

// ExpectPageSize verifies the page size a listing reports
func (c *APIChain) ExpectPageSize(pageSize int) *APIChain {
	return c.ExpectStatus(http.StatusOK).
		Expect(func(ctx *testCtx, resp *HTTPResp) {
			var body struct {
				PageSize int `json:"pageSize"`
			}
			require.NoError(ctx, json.Unmarshal(resp.body, &body))
			assert.Equal(ctx, pageSize, body.PageSize)
		}, "page size is %d", pageSize)
}

// ExpectPartialUpload verifies that a failed upload reports the count resources it created
// before failing and remembers the first one as :resourceID
func (c *APIChain) ExpectPartialUpload(count int) *APIChain {
	return c.Expect(func(ctx *testCtx, resp *HTTPResp) {
		assert.NotEqual(ctx, http.StatusOK, resp.resp.StatusCode)
		created := resp.resp.Header.Get("Pixure-Created-Resources")
		if count == 0 {
			assert.Empty(ctx, created)
			return
		}
		ids := strings.Split(created, ",")
		require.Len(ctx, ids, count)
		for _, id := range ids {
			assert.NotEmpty(ctx, id)
		}
		ctx.resourceID = ids[0]
	}, "%d resources were created before the failure", count)
}

// ResourceView mirrors the JSON the server returns for a resource
type ResourceView struct {
	ID          string `json:"id"`
	Owner       string `json:"owner"`
	ContentType string `json:"contentType"`
	Access      []struct {
		User  string `json:"user"`
		Write bool   `json:"write"`
	} `json:"access"`
	ReadPublic  bool `json:"readPublic"`
	WritePublic bool `json:"writePublic"`
}

// ThenCall chains a new api-call on to the state of the previous call - placeholders (e.g. :resourceID, {bob})
// inherited from the previous call will be substituted into the next path and body
func (c *APIChain) ThenCall(method string, path string) *APIChain {
	newCmd := &APIChain{method: method, path: path, headers: map[string]string{}}
	c.cmd = append(c.cmd, newCmd)
	return newCmd
}

// ThenGET is a shorthand for c.ThenCall("GET",path)
func (c *APIChain) ThenGET(path string) *APIChain {
	return c.ThenCall(http.MethodGet, path)
}

// ThenPOST is a shorthand for c.ThenCall("POST",path)
func (c *APIChain) ThenPOST(path string) *APIChain {
	return c.ThenCall(http.MethodPost, path)
}

// ThenPUT is a shorthand for c.ThenCall("PUT",path)
func (c *APIChain) ThenPUT(path string) *APIChain {
	return c.ThenCall(http.MethodPut, path)
}

// ThenRegister registers a fresh user for role and keeps its session
func (c *APIChain) ThenRegister(role string) *APIChain {
	cmd := c.ThenPOST("/user/register")
	return cmd.register(role)
}

func (c *APIChain) register(role string) *APIChain {
	c.registers = role
	return c.As(role).WithCredentials("{"+role+"}", Password).ExpectLoggedIn(role)
}

func (c *APIChain) toReq(ctx *testCtx) *http.Request {
	placeholders := func(key string) string {
		var s = strings.Replace(key, ":resourceID", ctx.resourceID, -1)
		for role, name := range ctx.users {
			s = strings.Replace(s, "{"+role+"}", name, -1)
		}
		return s
	}
	headers := map[string][]string{}

	for k, v := range c.headers {
		headers[http.CanonicalHeaderKey(placeholders(k))] = []string{placeholders(v)}
	}

	u, err := url.Parse(placeholders(c.path))
	require.NoError(ctx, err, " invalid URL ")

	r := &http.Request{
		URL:    u,
		Method: c.method,
		Header: headers,
		Body:   http.NoBody,
	}
	if c.body != nil {
		body := []byte(placeholders(string(c.body)))
		r.Body = ioutil.NopCloser(bytes.NewReader(body))
		r.ContentLength = int64(len(body))
	}
	if c.as != "" {
		for _, cookie := range ctx.cookies[c.as] {
			r.AddCookie(cookie)
		}
	}
	return r
}

func (c *APIChain) keepCookies(ctx *testCtx, resp *http.Response) {
	if c.as == "" {
		return
	}
	jar, ok := ctx.cookies[c.as]
	if !ok {
		jar = map[string]*http.Cookie{}
		ctx.cookies[c.as] = jar
	}
	for _, cookie := range resp.Cookies() {
		if cookie.MaxAge < 0 {
			delete(jar, cookie.Name)
			continue
		}
		jar[cookie.Name] = &http.Cookie{Name: cookie.Name, Value: cookie.Value}
	}
}

func (c *APIChain) run(ctx *testCtx, s *server.Server) {
	ctx.server = s
	nuCtx := ctx.fork().PushNarrative(c.narrative)

	if c.registers != "" {
		nuCtx.users[c.registers] = uniqueUsername(c.registers)
	}

	req := c.toReq(nuCtx)
	resp := httptest.NewRecorder()

	nuCtx = nuCtx.PushNarrative(fmt.Sprintf("%s %s", req.Method, req.URL))

	s.Engine.ServeHTTP(resp, req)
	buf := bytes.Buffer{}
	_, err := buf.ReadFrom(resp.Body)
	require.NoError(ctx.t, err)

	result := resp.Result()
	c.keepCookies(nuCtx, result)
	nuCtx.lastResponse = &HTTPResp{resp: result, body: buf.Bytes()}

	for _, check := range c.expect {
		nuCtx = nuCtx.PushNarrative(check.narrative)
		check.action(nuCtx, nuCtx.lastResponse)
	}

	for _, cmd := range c.cmd {
		cmd.run(nuCtx, s)
	}
}

// Call Starts a test tree with an arbitrary HTTP call
func (c *TestCase) Call(description string, method string, path string) *APIChain {
	cmd := &APIChain{narrative: c.narrative + ":" + description, method: method, path: path, headers: map[string]string{}}
	c.tests = append(c.tests, cmd)
	return cmd
}

// StartAsUser creates a new test tree by registering a fresh user for role
func (c *TestCase) StartAsUser(description string, role string) *APIChain {
	return c.Call(description, http.MethodPost, "/user/register").register(role)
}

// StartWithUpload creates a new test tree where role has uploaded one jpeg, available as :resourceID
func (c *TestCase) StartWithUpload(description string, role string, data []byte) *APIChain {
	return c.StartAsUser(description, role).
		ThenPOST("/media/upload").As(role).WithFile("photo.jpg", "image/jpeg", data).
		ExpectResourceCreated(1)
}

// Run runs an whole test tree.
func (c *TestCase) Run(t *testing.T, server *server.Server) {
	for _, tc := range c.tests {
		t.Run(tc.narrative, func(t *testing.T) {
			ctx := &testCtx{
				t:       t,
				users:   map[string]string{},
				cookies: map[string]map[string]*http.Cookie{},
			}
			tc.run(ctx, server)
		})
	}
}

// NewTestServer creates a server over in-memory blob and metadata storage
func NewTestServer() *server.Server {
	return NewTestServerWithBackend(storage.NewInMemBackend())
}

// NewTestServerWithBackend creates a server storing blobs in backend
func NewTestServerWithBackend(backend storage.Backend) *server.Server {
	svc := media.NewService(backend, metadata.NewInMemStore(), session.NewDirectory())
	s, err := server.New(svc, ":0", "sanity-session-secret")
	if err != nil {
		panic(err)
	}
	return s
}
