package store

import (
	"fmt"
	"strings"
	"time"
)

type Role string

const (
	RoleNone   Role = ""
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

func ParseRole(raw string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleOwner:
		return RoleOwner, nil
	case RoleEditor:
		return RoleEditor, nil
	case RoleViewer:
		return RoleViewer, nil
	default:
		return RoleNone, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, raw)
	}
}

// CanWrite reports whether the role may mutate the project tree.
func (r Role) CanWrite() bool {
	return r == RoleOwner || r == RoleEditor
}

type Collaborator struct {
	UserID string `json:"userId" yaml:"userId"`
	Role   Role   `json:"role" yaml:"role"`
}

type Project struct {
	ID            string         `json:"id" yaml:"id"`
	Name          string         `json:"name" yaml:"name"`
	OwnerID       string         `json:"ownerId" yaml:"ownerId"`
	Collaborators []Collaborator `json:"collaborators" yaml:"collaborators"`
}

// RoleOf returns the role of userID, or RoleNone when the user is not listed.
func (p Project) RoleOf(userID string) Role {
	for _, c := range p.Collaborators {
		if c.UserID == userID {
			return c.Role
		}
	}
	return RoleNone
}

type Unit string

const (
	UnitPixel      Unit = "px"
	UnitMillimeter Unit = "mm"
	UnitCentimeter Unit = "cm"
	UnitInch       Unit = "in"
	UnitPoint      Unit = "pt"
)

func (u Unit) Valid() bool {
	switch u {
	case UnitPixel, UnitMillimeter, UnitCentimeter, UnitInch, UnitPoint:
		return true
	}
	return false
}

type LayerType string

const (
	LayerBrush LayerType = "brush"
	LayerText  LayerType = "text"
	LayerShape LayerType = "shape"
	LayerImage LayerType = "image"
)

func (t LayerType) Valid() bool {
	switch t {
	case LayerBrush, LayerText, LayerShape, LayerImage:
		return true
	}
	return false
}

type BlendMode string

const BlendNormal BlendMode = "normal"

var blendModes = map[BlendMode]struct{}{
	"normal": {}, "multiply": {}, "screen": {}, "overlay": {},
	"soft-light": {}, "hard-light": {}, "color-dodge": {}, "color-burn": {},
	"darken": {}, "lighten": {}, "difference": {}, "exclusion": {},
}

func (b BlendMode) Valid() bool {
	_, ok := blendModes[b]
	return ok
}

type Page struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"projectId"`
	Name      string    `json:"name"`
	Order     int       `json:"order"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Canvas struct {
	ID        string    `json:"id"`
	PageID    string    `json:"pageId"`
	ProjectID string    `json:"projectId"`
	Name      string    `json:"name"`
	Order     int       `json:"order"`
	Width     float64   `json:"width"`
	Height    float64   `json:"height"`
	Unit      Unit      `json:"unit"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Layer is the metadata view of a layer. Its binary document lives in the
// snapshot store and is only reachable through LoadSnapshot/SaveSnapshot.
type Layer struct {
	ID        string    `json:"id"`
	CanvasID  string    `json:"canvasId"`
	ProjectID string    `json:"projectId"`
	Name      string    `json:"name"`
	Order     int       `json:"order"`
	Type      LayerType `json:"type"`
	BlendMode BlendMode `json:"blendMode"`
	Opacity   int       `json:"opacity"`
	Visible   bool      `json:"isVisible"`
	Locked    bool      `json:"isLocked"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type PagePatch struct {
	Name  *string `json:"name,omitempty"`
	Order *int    `json:"order,omitempty"`
}

type CanvasPatch struct {
	Name   *string  `json:"name,omitempty"`
	Order  *int     `json:"order,omitempty"`
	Width  *float64 `json:"width,omitempty"`
	Height *float64 `json:"height,omitempty"`
	Unit   *Unit    `json:"unit,omitempty"`
}

// LayerPatch has no data field. Binary layer content is written through the
// document pipeline only.
type LayerPatch struct {
	Name      *string    `json:"name,omitempty"`
	Order     *int       `json:"order,omitempty"`
	Type      *LayerType `json:"type,omitempty"`
	BlendMode *BlendMode `json:"blendMode,omitempty"`
	Opacity   *int       `json:"opacity,omitempty"`
	Visible   *bool      `json:"isVisible,omitempty"`
	Locked    *bool      `json:"isLocked,omitempty"`
}

func (p PagePatch) Validate() error {
	if p.Name != nil && strings.TrimSpace(*p.Name) == "" {
		return fmt.Errorf("%w: name must not be empty", ErrInvalidInput)
	}
	if p.Order != nil && *p.Order < 0 {
		return fmt.Errorf("%w: order must be non-negative", ErrInvalidInput)
	}
	return nil
}

func (p PagePatch) apply(page *Page) {
	if p.Name != nil {
		page.Name = *p.Name
	}
	if p.Order != nil {
		page.Order = *p.Order
	}
}

func (p CanvasPatch) Validate() error {
	if p.Name != nil && strings.TrimSpace(*p.Name) == "" {
		return fmt.Errorf("%w: name must not be empty", ErrInvalidInput)
	}
	if p.Order != nil && *p.Order < 0 {
		return fmt.Errorf("%w: order must be non-negative", ErrInvalidInput)
	}
	if p.Width != nil && *p.Width <= 0 {
		return fmt.Errorf("%w: width must be positive", ErrInvalidInput)
	}
	if p.Height != nil && *p.Height <= 0 {
		return fmt.Errorf("%w: height must be positive", ErrInvalidInput)
	}
	if p.Unit != nil && !p.Unit.Valid() {
		return fmt.Errorf("%w: unsupported unit %q", ErrInvalidInput, *p.Unit)
	}
	return nil
}

func (p CanvasPatch) apply(c *Canvas) {
	if p.Name != nil {
		c.Name = *p.Name
	}
	if p.Order != nil {
		c.Order = *p.Order
	}
	if p.Width != nil {
		c.Width = *p.Width
	}
	if p.Height != nil {
		c.Height = *p.Height
	}
	if p.Unit != nil {
		c.Unit = *p.Unit
	}
}

func (p LayerPatch) Validate() error {
	if p.Name != nil && strings.TrimSpace(*p.Name) == "" {
		return fmt.Errorf("%w: name must not be empty", ErrInvalidInput)
	}
	if p.Order != nil && *p.Order < 0 {
		return fmt.Errorf("%w: order must be non-negative", ErrInvalidInput)
	}
	if p.Type != nil && !p.Type.Valid() {
		return fmt.Errorf("%w: unsupported layer type %q", ErrInvalidInput, *p.Type)
	}
	if p.BlendMode != nil && !p.BlendMode.Valid() {
		return fmt.Errorf("%w: unsupported blend mode %q", ErrInvalidInput, *p.BlendMode)
	}
	if p.Opacity != nil && (*p.Opacity < 0 || *p.Opacity > 100) {
		return fmt.Errorf("%w: opacity must be within [0,100]", ErrInvalidInput)
	}
	return nil
}

func (p LayerPatch) apply(l *Layer) {
	if p.Name != nil {
		l.Name = *p.Name
	}
	if p.Order != nil {
		l.Order = *p.Order
	}
	if p.Type != nil {
		l.Type = *p.Type
	}
	if p.BlendMode != nil {
		l.BlendMode = *p.BlendMode
	}
	if p.Opacity != nil {
		l.Opacity = *p.Opacity
	}
	if p.Visible != nil {
		l.Visible = *p.Visible
	}
	if p.Locked != nil {
		l.Locked = *p.Locked
	}
}

// normalizeCanvas fills creation defaults and validates the result.
func normalizeCanvas(c *Canvas) error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: canvas name is required", ErrInvalidInput)
	}
	if c.Unit == "" {
		c.Unit = UnitPixel
	}
	if !c.Unit.Valid() {
		return fmt.Errorf("%w: unsupported unit %q", ErrInvalidInput, c.Unit)
	}
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("%w: width and height must be positive", ErrInvalidInput)
	}
	return nil
}

func normalizeLayer(l *Layer) error {
	if strings.TrimSpace(l.Name) == "" {
		return fmt.Errorf("%w: layer name is required", ErrInvalidInput)
	}
	if !l.Type.Valid() {
		return fmt.Errorf("%w: unsupported layer type %q", ErrInvalidInput, l.Type)
	}
	if l.BlendMode == "" {
		l.BlendMode = BlendNormal
	}
	if !l.BlendMode.Valid() {
		return fmt.Errorf("%w: unsupported blend mode %q", ErrInvalidInput, l.BlendMode)
	}
	if l.Opacity < 0 || l.Opacity > 100 {
		return fmt.Errorf("%w: opacity must be within [0,100]", ErrInvalidInput)
	}
	return nil
}
