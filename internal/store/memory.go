package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

type pageRecord struct {
	Page
	Seq uint64 `json:"seq"`
}

type canvasRecord struct {
	Canvas
	Seq uint64 `json:"seq"`
}

type layerRecord struct {
	Layer
	Seq  uint64 `json:"seq"`
	Data []byte `json:"data,omitempty"`
}

type memoryState struct {
	Seq       uint64                   `json:"seq"`
	Projects  map[string]Project       `json:"projects"`
	Pages     map[string]*pageRecord   `json:"pages"`
	Canvases  map[string]*canvasRecord `json:"canvases"`
	Layers    map[string]*layerRecord  `json:"layers"`
	Documents map[string][]byte        `json:"documents"`
}

func newMemoryState() *memoryState {
	return &memoryState{
		Projects:  map[string]Project{},
		Pages:     map[string]*pageRecord{},
		Canvases:  map[string]*canvasRecord{},
		Layers:    map[string]*layerRecord{},
		Documents: map[string][]byte{},
	}
}

// MemoryStore keeps everything in process memory. When created with a path
// it rewrites a JSON snapshot of its state after every mutation.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memoryState
	path  string
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemoryState(), now: func() time.Time { return time.Now().UTC() }}
}

func NewJSONFileStore(path string) (*MemoryStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	s := NewMemoryStore()
	s.path = path
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MemoryStore) Ready(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) GetProject(ctx context.Context, projectID string) (Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.state.Projects[projectID]
	if !ok {
		return Project{}, ErrNotFound
	}
	return cloneProject(p), nil
}

func (s *MemoryStore) PutProject(ctx context.Context, project Project) error {
	if strings.TrimSpace(project.ID) == "" {
		return fmt.Errorf("%w: project id is required", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Projects[project.ID] = cloneProject(dedupeCollaborators(project))
	return s.saveLocked()
}

func (s *MemoryStore) DeleteProject(ctx context.Context, projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.Projects[projectID]; !ok {
		return ErrNotFound
	}
	delete(s.state.Projects, projectID)
	return s.saveLocked()
}

func (s *MemoryStore) UpsertCollaborator(ctx context.Context, projectID string, collaborator Collaborator) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.state.Projects[projectID]
	if !ok {
		return ErrNotFound
	}
	replaced := false
	for i := range p.Collaborators {
		if p.Collaborators[i].UserID == collaborator.UserID {
			p.Collaborators[i].Role = collaborator.Role
			replaced = true
			break
		}
	}
	if !replaced {
		p.Collaborators = append(p.Collaborators, collaborator)
	}
	s.state.Projects[projectID] = p
	return s.saveLocked()
}

func (s *MemoryStore) RemoveCollaborator(ctx context.Context, projectID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.state.Projects[projectID]
	if !ok {
		return ErrNotFound
	}
	kept := p.Collaborators[:0]
	for _, c := range p.Collaborators {
		if c.UserID != userID {
			kept = append(kept, c)
		}
	}
	p.Collaborators = kept
	s.state.Projects[projectID] = p
	return s.saveLocked()
}

func (s *MemoryStore) ListPages(ctx context.Context, projectID string) ([]Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := make([]*pageRecord, 0)
	for _, r := range s.state.Pages {
		if r.ProjectID == projectID {
			records = append(records, r)
		}
	}
	sort.Slice(records, func(i, j int) bool {
		return orderedBefore(records[i].Order, records[i].Seq, records[j].Order, records[j].Seq)
	})
	out := make([]Page, 0, len(records))
	for _, r := range records {
		out = append(out, r.Page)
	}
	return out, nil
}

func (s *MemoryStore) ListCanvases(ctx context.Context, projectID string) ([]Canvas, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := make([]*canvasRecord, 0)
	for _, r := range s.state.Canvases {
		if r.ProjectID == projectID {
			records = append(records, r)
		}
	}
	sort.Slice(records, func(i, j int) bool {
		return orderedBefore(records[i].Order, records[i].Seq, records[j].Order, records[j].Seq)
	})
	out := make([]Canvas, 0, len(records))
	for _, r := range records {
		out = append(out, r.Canvas)
	}
	return out, nil
}

func (s *MemoryStore) ListLayers(ctx context.Context, projectID string) ([]Layer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := make([]*layerRecord, 0)
	for _, r := range s.state.Layers {
		if r.ProjectID == projectID {
			records = append(records, r)
		}
	}
	sort.Slice(records, func(i, j int) bool {
		return orderedBefore(records[i].Order, records[i].Seq, records[j].Order, records[j].Seq)
	})
	out := make([]Layer, 0, len(records))
	for _, r := range records {
		out = append(out, r.Layer)
	}
	return out, nil
}

func (s *MemoryStore) GetPage(ctx context.Context, projectID, pageID string) (Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.state.Pages[pageID]
	if !ok || r.ProjectID != projectID {
		return Page{}, ErrNotFound
	}
	return r.Page, nil
}

func (s *MemoryStore) GetCanvas(ctx context.Context, projectID, canvasID string) (Canvas, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.state.Canvases[canvasID]
	if !ok || r.ProjectID != projectID {
		return Canvas{}, ErrNotFound
	}
	return r.Canvas, nil
}

func (s *MemoryStore) GetLayer(ctx context.Context, projectID, layerID string) (Layer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.state.Layers[layerID]
	if !ok || r.ProjectID != projectID {
		return Layer{}, ErrNotFound
	}
	return r.Layer, nil
}

func (s *MemoryStore) CreatePage(ctx context.Context, page Page) (Page, error) {
	if strings.TrimSpace(page.ID) == "" || strings.TrimSpace(page.ProjectID) == "" || strings.TrimSpace(page.Name) == "" {
		return Page{}, fmt.Errorf("%w: page id, project and name are required", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	order := 0
	for _, r := range s.state.Pages {
		if r.ProjectID == page.ProjectID && r.Order >= order {
			order = r.Order + 1
		}
	}
	now := s.now()
	page.Order = order
	page.CreatedAt, page.UpdatedAt = now, now
	s.state.Seq++
	s.state.Pages[page.ID] = &pageRecord{Page: page, Seq: s.state.Seq}
	return page, s.saveLocked()
}

func (s *MemoryStore) CreateCanvas(ctx context.Context, canvas Canvas) (Canvas, error) {
	if strings.TrimSpace(canvas.ID) == "" || strings.TrimSpace(canvas.PageID) == "" {
		return Canvas{}, fmt.Errorf("%w: canvas id and page are required", ErrInvalidInput)
	}
	if err := normalizeCanvas(&canvas); err != nil {
		return Canvas{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	parent, ok := s.state.Pages[canvas.PageID]
	if !ok {
		return Canvas{}, ErrNotFound
	}
	canvas.ProjectID = parent.ProjectID
	order := 0
	for _, r := range s.state.Canvases {
		if r.PageID == canvas.PageID && r.Order >= order {
			order = r.Order + 1
		}
	}
	now := s.now()
	canvas.Order = order
	canvas.CreatedAt, canvas.UpdatedAt = now, now
	s.state.Seq++
	s.state.Canvases[canvas.ID] = &canvasRecord{Canvas: canvas, Seq: s.state.Seq}
	return canvas, s.saveLocked()
}

func (s *MemoryStore) CreateLayer(ctx context.Context, layer Layer) (Layer, error) {
	if strings.TrimSpace(layer.ID) == "" || strings.TrimSpace(layer.CanvasID) == "" {
		return Layer{}, fmt.Errorf("%w: layer id and canvas are required", ErrInvalidInput)
	}
	if err := normalizeLayer(&layer); err != nil {
		return Layer{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	parent, ok := s.state.Canvases[layer.CanvasID]
	if !ok {
		return Layer{}, ErrNotFound
	}
	layer.ProjectID = parent.ProjectID
	order := 0
	for _, r := range s.state.Layers {
		if r.CanvasID == layer.CanvasID && r.Order >= order {
			order = r.Order + 1
		}
	}
	now := s.now()
	layer.Order = order
	layer.CreatedAt, layer.UpdatedAt = now, now
	s.state.Seq++
	s.state.Layers[layer.ID] = &layerRecord{Layer: layer, Seq: s.state.Seq}
	return layer, s.saveLocked()
}

func (s *MemoryStore) UpdatePage(ctx context.Context, projectID, pageID string, patch PagePatch) (Page, error) {
	if err := patch.Validate(); err != nil {
		return Page{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.state.Pages[pageID]
	if !ok || r.ProjectID != projectID {
		return Page{}, ErrNotFound
	}
	patch.apply(&r.Page)
	r.UpdatedAt = s.now()
	return r.Page, s.saveLocked()
}

func (s *MemoryStore) UpdateCanvas(ctx context.Context, projectID, canvasID string, patch CanvasPatch) (Canvas, error) {
	if err := patch.Validate(); err != nil {
		return Canvas{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.state.Canvases[canvasID]
	if !ok || r.ProjectID != projectID {
		return Canvas{}, ErrNotFound
	}
	patch.apply(&r.Canvas)
	r.UpdatedAt = s.now()
	return r.Canvas, s.saveLocked()
}

func (s *MemoryStore) UpdateLayer(ctx context.Context, projectID, layerID string, patch LayerPatch) (Layer, error) {
	if err := patch.Validate(); err != nil {
		return Layer{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.state.Layers[layerID]
	if !ok || r.ProjectID != projectID {
		return Layer{}, ErrNotFound
	}
	patch.apply(&r.Layer)
	r.UpdatedAt = s.now()
	return r.Layer, s.saveLocked()
}

func (s *MemoryStore) CanvasIDsByPage(ctx context.Context, pageID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0)
	for id, r := range s.state.Canvases {
		if r.PageID == pageID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) LayerIDsByCanvases(ctx context.Context, canvasIDs []string) ([]string, error) {
	wanted := stringSet(canvasIDs)
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0)
	for id, r := range s.state.Layers {
		if _, ok := wanted[r.CanvasID]; ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) DeleteLayersByCanvases(ctx context.Context, canvasIDs []string) (int, error) {
	if len(canvasIDs) == 0 {
		return 0, nil
	}
	wanted := stringSet(canvasIDs)
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for id, r := range s.state.Layers {
		if _, ok := wanted[r.CanvasID]; ok {
			delete(s.state.Layers, id)
			delete(s.state.Documents, id)
			deleted++
		}
	}
	return deleted, s.saveLocked()
}

func (s *MemoryStore) DeleteCanvasesByPage(ctx context.Context, pageID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for id, r := range s.state.Canvases {
		if r.PageID == pageID {
			delete(s.state.Canvases, id)
			delete(s.state.Documents, id)
			deleted++
		}
	}
	return deleted, s.saveLocked()
}

func (s *MemoryStore) DeletePage(ctx context.Context, projectID, pageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.state.Pages[pageID]
	if !ok || r.ProjectID != projectID {
		return ErrNotFound
	}
	delete(s.state.Pages, pageID)
	delete(s.state.Documents, pageID)
	return s.saveLocked()
}

func (s *MemoryStore) DeleteCanvas(ctx context.Context, projectID, canvasID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.state.Canvases[canvasID]
	if !ok || r.ProjectID != projectID {
		return ErrNotFound
	}
	delete(s.state.Canvases, canvasID)
	delete(s.state.Documents, canvasID)
	return s.saveLocked()
}

func (s *MemoryStore) DeleteLayer(ctx context.Context, projectID, layerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.state.Layers[layerID]
	if !ok || r.ProjectID != projectID {
		return ErrNotFound
	}
	delete(s.state.Layers, layerID)
	delete(s.state.Documents, layerID)
	return s.saveLocked()
}

func (s *MemoryStore) DocumentProject(ctx context.Context, documentID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.state.Layers[documentID]; ok {
		return r.ProjectID, nil
	}
	if r, ok := s.state.Canvases[documentID]; ok {
		return r.ProjectID, nil
	}
	if r, ok := s.state.Pages[documentID]; ok {
		return r.ProjectID, nil
	}
	return "", ErrNotFound
}

func (s *MemoryStore) LoadSnapshot(ctx context.Context, documentID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.state.Layers[documentID]; ok && r.Data != nil {
		return cloneBytes(r.Data), nil
	}
	if data, ok := s.state.Documents[documentID]; ok {
		return cloneBytes(data), nil
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) SaveSnapshot(ctx context.Context, documentID string, data []byte) error {
	if strings.TrimSpace(documentID) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.state.Layers[documentID]; ok {
		r.Data = cloneBytes(data)
		r.UpdatedAt = s.now()
		return s.saveLocked()
	}
	_, isCanvas := s.state.Canvases[documentID]
	_, isPage := s.state.Pages[documentID]
	if !isCanvas && !isPage {
		return ErrNotFound
	}
	s.state.Documents[documentID] = cloneBytes(data)
	return s.saveLocked()
}

func (s *MemoryStore) load() error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	state := newMemoryState()
	if err := json.Unmarshal(data, state); err != nil {
		return err
	}
	s.state = state
	return nil
}

func (s *MemoryStore) saveLocked() error {
	if s.path == "" {
		return nil
	}
	data, err := json.Marshal(s.state)
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func orderedBefore(orderA int, seqA uint64, orderB int, seqB uint64) bool {
	if orderA != orderB {
		return orderA < orderB
	}
	return seqA < seqB
}

func cloneProject(p Project) Project {
	out := p
	out.Collaborators = append([]Collaborator(nil), p.Collaborators...)
	return out
}

func dedupeCollaborators(p Project) Project {
	seen := map[string]int{}
	out := make([]Collaborator, 0, len(p.Collaborators))
	for _, c := range p.Collaborators {
		if idx, ok := seen[c.UserID]; ok {
			out[idx].Role = c.Role
			continue
		}
		seen[c.UserID] = len(out)
		out = append(out, c)
	}
	p.Collaborators = out
	return p
}

func cloneBytes(in []byte) []byte {
	if in == nil {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}

func stringSet(values []string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		out[v] = struct{}{}
	}
	return out
}
