package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/fedora-packager/hubclient/internal/clienterrors"
)

type UpdateType string

const (
	UpdateTypeBugfix      UpdateType = "bugfix"
	UpdateTypeSecurity    UpdateType = "security"
	UpdateTypeEnhancement UpdateType = "enhancement"
	UpdateTypeNewPackage  UpdateType = "newpackage"
)

func (t UpdateType) Valid() bool {
	switch t {
	case UpdateTypeBugfix, UpdateTypeSecurity, UpdateTypeEnhancement, UpdateTypeNewPackage:
		return true
	}
	return false
}

type UpdateStage string

const (
	UpdateStageTesting UpdateStage = "testing"
	UpdateStageStable  UpdateStage = "stable"
)

func (s UpdateStage) Valid() bool {
	return s == UpdateStageTesting || s == UpdateStageStable
}

// UpdateRequest is a new update for the update service. StableKarma and
// UnstableKarma are passed through unchecked.
type UpdateRequest struct {
	Builds        []string
	Type          UpdateType
	Request       UpdateStage
	Notes         string
	Bugs          []string
	CSRFToken     string
	AutoKarma     bool
	StableKarma   int
	UnstableKarma int
	SuggestReboot bool
	CloseBugs     bool
}

func (r *UpdateRequest) Validate() error {
	if len(r.Builds) == 0 {
		return clienterrors.Configuration("validate update", "at least one build is required")
	}
	for _, b := range r.Builds {
		if strings.TrimSpace(b) == "" {
			return clienterrors.Configuration("validate update", "empty build NVR")
		}
	}
	if !r.Type.Valid() {
		return clienterrors.Configuration("validate update", fmt.Sprintf("unknown update type %q", r.Type))
	}
	if !r.Request.Valid() {
		return clienterrors.Configuration("validate update", fmt.Sprintf("unknown update request %q", r.Request))
	}
	return nil
}

// ParseKarma parses a karma threshold. Any integer, including negative
// ones, is accepted.
func ParseKarma(value string) (int, error) {
	karma, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, clienterrors.Configuration("parse karma", fmt.Sprintf("%q is not an integer", value))
	}
	return karma, nil
}

type User struct {
	ID          int       `json:"id"`
	UserName    string    `json:"user_name"`
	DisplayName string    `json:"display_name"`
	Password    string    `json:"password"`
	Email       string    `json:"email_address"`
	Created     Timestamp `json:"created"`
	CSRFToken   string    `json:"_csrf_token"`
}

type LoginResponse struct {
	Flash     string `json:"tg_flash"`
	CSRFToken string `json:"_csrf_token"`
	User      *User  `json:"user"`
}

// Token returns the CSRF token, which older servers only put into the user.
func (r *LoginResponse) Token() string {
	if r.CSRFToken != "" {
		return r.CSRFToken
	}
	if r.User != nil {
		return r.User.CSRFToken
	}
	return ""
}

// ParseLoginResponse decodes a login reply. A reply without a user or
// without a user name is malformed.
func ParseLoginResponse(data []byte) (*LoginResponse, error) {
	var resp LoginResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, clienterrors.Deserialization("parse login response", "", "invalid JSON", err)
	}
	if resp.User == nil {
		return nil, clienterrors.Deserialization("parse login response", "", "response has no user", nil)
	}
	if resp.User.UserName == "" {
		return nil, clienterrors.Deserialization("parse login response", "", "user has no user_name", nil)
	}
	return &resp, nil
}

type Package struct {
	Name          string   `json:"name"`
	SuggestReboot bool     `json:"suggest_reboot"`
	Committers    []string `json:"committers"`
}

type UpdateBuild struct {
	NVR     string  `json:"nvr"`
	Package Package `json:"package"`
}

type Bug struct {
	BugID    int    `json:"bz_id"`
	Title    string `json:"title"`
	Security bool   `json:"security"`
}

type Release struct {
	Name     string `json:"name"`
	LongName string `json:"long_name"`
	IDPrefix string `json:"id_prefix"`
	DistTag  string `json:"dist_tag"`
	Locked   bool   `json:"locked"`
}

type Update struct {
	Title         string        `json:"title"`
	UpdateID      string        `json:"updateid"`
	Type          UpdateType    `json:"type"`
	Request       UpdateStage   `json:"request"`
	Status        string        `json:"status"`
	Karma         int           `json:"karma"`
	StableKarma   int           `json:"stable_karma"`
	UnstableKarma int           `json:"unstable_karma"`
	Notes         string        `json:"notes"`
	Submitter     string        `json:"submitter"`
	CloseBugs     bool          `json:"close_bugs"`
	DateSubmitted Timestamp     `json:"date_submitted"`
	Builds        []UpdateBuild `json:"builds"`
	Bugs          []Bug         `json:"bugs"`
	Release       Release       `json:"release"`
}

// Name is the identifier users see for an update.
func (u *Update) Name() string {
	if u.UpdateID != "" {
		return u.UpdateID
	}
	return u.Title
}

type UpdateResponse struct {
	Flash   string   `json:"tg_flash"`
	Updates []Update `json:"updates"`
}

func ParseUpdateResponse(data []byte) (*UpdateResponse, error) {
	var resp UpdateResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, clienterrors.Deserialization("parse update response", "", "invalid JSON", err)
	}
	return &resp, nil
}
