package core

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/qikezhang/opencode-on-im/internal/fsstore"
)

// Instance is one registered backend workspace a user can bind to.
type Instance struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	SessionID     string `json:"opencode_session_id"`
	ConnectSecret string `json:"connect_secret"`
	CreatedAt     string `json:"created_at"`
	QRVersion     int    `json:"qr_version"`
}

// QRPayload is the JSON document encoded into a binding QR code. The
// base64url form of it is what users paste or scan on the IM side.
type QRPayload struct {
	InstanceID    string `json:"instance_id"`
	InstanceName  string `json:"instance_name"`
	ConnectSecret string `json:"connect_secret"`
	LocalEndpoint string `json:"local_endpoint"`
	CreatedAt     int64  `json:"created_at"`
	Version       int    `json:"version"`
}

// InstanceRegistryOptions configures NewInstanceRegistry.
type InstanceRegistryOptions struct {
	// Path is the JSON file the registry persists to.
	Path string
	// SecretKey keys the HMAC that derives connect secrets.
	SecretKey string
	// LocalEndpoint is the backend host:port embedded in QR payloads.
	LocalEndpoint string
	Logger        *slog.Logger
}

// InstanceRegistry manages registered instances and their binding
// secrets, persisted to a JSON file under the data dir.
type InstanceRegistry struct {
	path      string
	secretKey string
	endpoint  string
	logger    *slog.Logger

	mu        sync.Mutex
	instances map[string]*Instance
}

func NewInstanceRegistry(opts InstanceRegistryOptions) (*InstanceRegistry, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("instance registry requires a path")
	}
	if opts.SecretKey == "" {
		return nil, fmt.Errorf("instance registry requires a secret key")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &InstanceRegistry{
		path:      opts.Path,
		secretKey: opts.SecretKey,
		endpoint:  opts.LocalEndpoint,
		logger:    logger,
		instances: make(map[string]*Instance),
	}
	r.load()
	return r, nil
}

// load tolerates a missing file; a corrupted file is logged and the
// registry starts empty.
func (r *InstanceRegistry) load() {
	var stored map[string]*Instance
	found, err := fsstore.ReadJSON(r.path, &stored)
	if err != nil {
		r.logger.Error("load_instances_failed", "path", r.path, "error", err)
		return
	}
	if !found {
		return
	}
	for id, inst := range stored {
		if inst != nil {
			r.instances[id] = inst
		}
	}
}

func (r *InstanceRegistry) saveLocked() error {
	if err := fsstore.WriteJSONAtomic(r.path, r.instances); err != nil {
		return fmt.Errorf("save instances: %w", err)
	}
	return nil
}

// CreateInstance registers a new instance. An empty name auto-assigns
// "instance", "instance-1", ... avoiding collisions.
func (r *InstanceRegistry) CreateInstance(name, sessionID string) (*Instance, error) {
	id, err := newInstanceID()
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if name == "" {
		name = "instance"
		for counter := 1; r.nameTakenLocked(name); counter++ {
			name = fmt.Sprintf("instance-%d", counter)
		}
	} else if r.nameTakenLocked(name) {
		return nil, fmt.Errorf("instance name %q already in use", name)
	}

	inst := &Instance{
		ID:            id,
		Name:          name,
		SessionID:     sessionID,
		ConnectSecret: r.deriveSecret(id, 1),
		CreatedAt:     time.Now().UTC().Format(time.RFC3339),
		QRVersion:     1,
	}
	r.instances[id] = inst
	if err := r.saveLocked(); err != nil {
		delete(r.instances, id)
		return nil, err
	}

	r.logger.Info("instance_created", "id", id, "name", name)
	copied := *inst
	return &copied, nil
}

func (r *InstanceRegistry) nameTakenLocked(name string) bool {
	for _, inst := range r.instances {
		if inst.Name == name {
			return true
		}
	}
	return false
}

// GetInstance returns the instance with the given id, or nil.
func (r *InstanceRegistry) GetInstance(id string) *Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	if inst, ok := r.instances[id]; ok {
		copied := *inst
		return &copied
	}
	return nil
}

// GetInstanceByName returns the instance with the given name, or nil.
func (r *InstanceRegistry) GetInstanceByName(name string) *Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, inst := range r.instances {
		if inst.Name == name {
			copied := *inst
			return &copied
		}
	}
	return nil
}

// ResolveSession returns the instance owning a backend session, or nil.
func (r *InstanceRegistry) ResolveSession(sessionID string) *Instance {
	if sessionID == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, inst := range r.instances {
		if inst.SessionID == sessionID {
			copied := *inst
			return &copied
		}
	}
	return nil
}

// ListInstances returns all instances ordered by creation time, then
// name for a stable listing.
func (r *InstanceRegistry) ListInstances() []*Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		copied := *inst
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// RenameInstance changes an instance's name. Fails when the id is
// unknown or the new name is already taken.
func (r *InstanceRegistry) RenameInstance(id, newName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return fmt.Errorf("instance %s not found", id)
	}
	if r.nameTakenLocked(newName) {
		return fmt.Errorf("instance name %q already in use", newName)
	}
	old := inst.Name
	inst.Name = newName
	if err := r.saveLocked(); err != nil {
		inst.Name = old
		return err
	}
	return nil
}

// SetSession points an instance at a backend session.
func (r *InstanceRegistry) SetSession(id, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return fmt.Errorf("instance %s not found", id)
	}
	old := inst.SessionID
	inst.SessionID = sessionID
	if err := r.saveLocked(); err != nil {
		inst.SessionID = old
		return err
	}
	return nil
}

// ResetQR bumps the QR version and re-derives the connect secret,
// invalidating previously issued QR codes.
func (r *InstanceRegistry) ResetQR(id string) (*Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return nil, fmt.Errorf("instance %s not found", id)
	}
	inst.QRVersion++
	inst.ConnectSecret = r.deriveSecret(id, inst.QRVersion)
	if err := r.saveLocked(); err != nil {
		return nil, err
	}
	r.logger.Info("qr_reset", "instance_id", id, "version", inst.QRVersion)
	copied := *inst
	return &copied, nil
}

// DeleteInstance removes an instance. Returns false when the id is
// unknown.
func (r *InstanceRegistry) DeleteInstance(id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return false, nil
	}
	delete(r.instances, id)
	if err := r.saveLocked(); err != nil {
		r.instances[id] = inst
		return false, err
	}
	return true, nil
}

// VerifyConnectSecret checks a presented secret against the instance's
// current one in constant time.
func (r *InstanceRegistry) VerifyConnectSecret(id, secret string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return false
	}
	return hmac.Equal([]byte(inst.ConnectSecret), []byte(secret))
}

// GenerateQRData returns the base64url binding payload for an instance.
func (r *InstanceRegistry) GenerateQRData(inst *Instance) (string, error) {
	payload := QRPayload{
		InstanceID:    inst.ID,
		InstanceName:  inst.Name,
		ConnectSecret: inst.ConnectSecret,
		LocalEndpoint: r.endpoint,
		CreatedAt:     time.Now().UTC().Unix(),
		Version:       inst.QRVersion,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode qr payload: %w", err)
	}
	return base64.URLEncoding.EncodeToString(raw), nil
}

// GenerateQRImage renders the binding payload as a PNG.
func (r *InstanceRegistry) GenerateQRImage(inst *Instance) ([]byte, error) {
	data, err := r.GenerateQRData(inst)
	if err != nil {
		return nil, err
	}
	png, err := qrcode.Encode(data, qrcode.Low, 512)
	if err != nil {
		return nil, fmt.Errorf("render qr image: %w", err)
	}
	return png, nil
}

// GenerateQRASCII renders the binding payload for terminal display.
func (r *InstanceRegistry) GenerateQRASCII(inst *Instance) (string, error) {
	data, err := r.GenerateQRData(inst)
	if err != nil {
		return "", err
	}
	code, err := qrcode.New(data, qrcode.Low)
	if err != nil {
		return "", fmt.Errorf("render qr: %w", err)
	}
	return code.ToSmallString(false), nil
}

// ParseQRData decodes a base64url binding payload pasted by a user.
func ParseQRData(data string) (*QRPayload, error) {
	raw, err := base64.URLEncoding.DecodeString(data)
	if err != nil {
		// Users paste payloads without padding often enough to retry raw.
		raw, err = base64.RawURLEncoding.DecodeString(data)
		if err != nil {
			return nil, fmt.Errorf("decode qr payload: %w", err)
		}
	}
	var payload QRPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("parse qr payload: %w", err)
	}
	if payload.InstanceID == "" || payload.ConnectSecret == "" {
		return nil, fmt.Errorf("qr payload missing instance id or secret")
	}
	return &payload, nil
}

// deriveSecret keys on the instance id and QR version so a reset
// yields a fresh secret without storing extra state.
func (r *InstanceRegistry) deriveSecret(id string, version int) string {
	mac := hmac.New(sha256.New, []byte(r.secretKey))
	fmt.Fprintf(mac, "%s:%d", id, version)
	return hex.EncodeToString(mac.Sum(nil))[:32]
}

func newInstanceID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate instance id: %w", err)
	}
	return id.String(), nil
}
