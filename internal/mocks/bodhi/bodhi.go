// Package bodhi provides a fake update service on top of echo.
package bodhi

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/labstack/echo/v4"
)

const (
	CSRFToken    = "f00dcafe"
	visitCookie  = "tg-visit"
	DisplayName  = "A Packager"
	EmailAddress = "packager@example.com"
)

// Field is a form field in the order it was sent.
type Field struct {
	Name  string
	Value string
}

type Form []Field

func (f Form) Get(name string) string {
	for _, field := range f {
		if field.Name == name {
			return field.Value
		}
	}
	return ""
}

func (f Form) Names() []string {
	names := make([]string, 0, len(f))
	for _, field := range f {
		names = append(names, field.Name)
	}
	return names
}

type Server struct {
	*httptest.Server

	user     string
	password string

	mu           sync.Mutex
	visits       map[string]bool
	nextVisit    int
	logins       []Form
	saves        []Form
	logouts      int
	saveStatus   int
	logoutStatus int
	loginBody    string
}

// NewServer starts an update service accepting one user.
func NewServer(user, password string) *Server {
	s := &Server{
		user:     user,
		password: password,
		visits:   map[string]bool{},
	}

	e := echo.New()
	e.HideBanner = true
	e.POST("/login", s.login)
	e.POST("/save", s.save)
	e.POST("/logout", s.logout)
	s.Server = httptest.NewServer(e)
	return s
}

// SaveStatus makes every save fail with status.
func (s *Server) SaveStatus(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveStatus = status
}

// LogoutStatus makes every logout fail with status.
func (s *Server) LogoutStatus(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logoutStatus = status
}

// LoginBody replaces the body of successful logins.
func (s *Server) LoginBody(body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loginBody = body
}

func (s *Server) Logins() []Form {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Form(nil), s.logins...)
}

func (s *Server) Saves() []Form {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Form(nil), s.saves...)
}

func (s *Server) Logouts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logouts
}

func readForm(c echo.Context) (Form, error) {
	reader, err := c.Request().MultipartReader()
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("not a multipart form: %v", err))
	}
	var form Form
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		value, err := io.ReadAll(part)
		if err != nil {
			return nil, echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		form = append(form, Field{Name: part.FormName(), Value: string(value)})
	}
	return form, nil
}

func (s *Server) loggedIn(c echo.Context) bool {
	cookie, err := c.Cookie(visitCookie)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visits[cookie.Value]
}

func (s *Server) login(c echo.Context) error {
	if c.Request().Header.Get("Accept") != "application/json" {
		return echo.NewHTTPError(http.StatusNotAcceptable, "JSON only")
	}
	form, err := readForm(c)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.logins = append(s.logins, form)
	body := s.loginBody
	s.mu.Unlock()

	if form.Get("login") != "Login" || form.Get("user_name") != s.user || form.Get("password") != s.password {
		return c.JSON(http.StatusForbidden, map[string]interface{}{
			"tg_flash": "The credentials you supplied were not correct or did not grant access to this resource.",
		})
	}

	s.mu.Lock()
	s.nextVisit++
	visit := fmt.Sprintf("visit-%d", s.nextVisit)
	s.visits[visit] = true
	s.mu.Unlock()
	c.SetCookie(&http.Cookie{Name: visitCookie, Value: visit, Path: "/"})

	if body != "" {
		return c.JSONBlob(http.StatusOK, []byte(body))
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"tg_flash": nil,
		"user": map[string]interface{}{
			"id":            1,
			"user_name":     s.user,
			"display_name":  DisplayName,
			"password":      "",
			"email_address": EmailAddress,
			"created":       "2010-06-17 15:42:05.553330+00:00",
			"_csrf_token":   CSRFToken,
		},
	})
}

// packageName strips version and release from an NVR.
func packageName(nvr string) string {
	parts := strings.Split(nvr, "-")
	if len(parts) < 3 {
		return nvr
	}
	return strings.Join(parts[:len(parts)-2], "-")
}

func (s *Server) save(c echo.Context) error {
	form, err := readForm(c)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.saves = append(s.saves, form)
	status := s.saveStatus
	s.mu.Unlock()

	if status != 0 {
		return echo.NewHTTPError(status)
	}
	if !s.loggedIn(c) || form.Get("_csrf_token") != CSRFToken {
		return echo.NewHTTPError(http.StatusForbidden, "login required")
	}
	if form.Get("builds") == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "no builds")
	}

	nvrs := strings.Split(form.Get("builds"), ",")
	builds := make([]map[string]interface{}, 0, len(nvrs))
	for _, nvr := range nvrs {
		builds = append(builds, map[string]interface{}{
			"nvr": nvr,
			"package": map[string]interface{}{
				"name":           packageName(nvr),
				"suggest_reboot": form.Get("suggest_reboot") == "true",
				"committers":     []string{s.user},
			},
		})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"tg_flash": "Update successfully created",
		"updates": []map[string]interface{}{{
			"title":          strings.Join(nvrs, ","),
			"type":           form.Get("type_"),
			"request":        form.Get("request"),
			"status":         "pending",
			"notes":          form.Get("notes"),
			"submitter":      s.user,
			"close_bugs":     form.Get("close_bugs") == "true",
			"date_submitted": "2011-03-24 17:27:26.511963",
			"builds":         builds,
			"release": map[string]interface{}{
				"name":      "F15",
				"long_name": "Fedora 15",
				"id_prefix": "FEDORA",
				"dist_tag":  "dist-f15",
			},
		}},
	})
}

func (s *Server) logout(c echo.Context) error {
	s.mu.Lock()
	s.logouts++
	status := s.logoutStatus
	s.mu.Unlock()

	if status != 0 {
		return echo.NewHTTPError(status)
	}
	if cookie, err := c.Cookie(visitCookie); err == nil {
		s.mu.Lock()
		delete(s.visits, cookie.Value)
		s.mu.Unlock()
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"tg_flash": "You have successfully logged out."})
}
