package vpn

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yllada/ovpn-manager/common"
)

// Repository stores profiles and their believed status.
type Repository interface {
	// FindByID returns the profile or an error wrapping common.ErrProfileNotFound.
	FindByID(ctx context.Context, id string) (*Vpn, error)
	// Save persists the profile's status.
	Save(ctx context.Context, v *Vpn) error
	// ListAll returns every valid profile sorted by id.
	ListAll(ctx context.Context) ([]*Vpn, error)
}

// StatusStore persists per-profile status between runs.
type StatusStore interface {
	SaveStatus(ctx context.Context, id string, status VpnStatus) error
	LoadStatus(ctx context.Context, id string) (VpnStatus, bool, error)
	DeleteStatus(ctx context.Context, id string) error
}

// MemoryStatusStore keeps statuses for the lifetime of the process.
type MemoryStatusStore struct {
	mu       sync.RWMutex
	statuses map[string]VpnStatus
}

// NewMemoryStatusStore creates an empty in-memory store.
func NewMemoryStatusStore() *MemoryStatusStore {
	return &MemoryStatusStore{statuses: make(map[string]VpnStatus)}
}

func (s *MemoryStatusStore) SaveStatus(_ context.Context, id string, status VpnStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[id] = status
	return nil
}

func (s *MemoryStatusStore) LoadStatus(_ context.Context, id string) (VpnStatus, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	status, ok := s.statuses[id]
	return status, ok, nil
}

func (s *MemoryStatusStore) DeleteStatus(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.statuses, id)
	return nil
}

// InvalidProfile is a connection file that cannot become a Vpn.
type InvalidProfile struct {
	Path string
	Err  error
}

func (p InvalidProfile) Error() string {
	return fmt.Sprintf("%s: %v", p.Path, p.Err)
}

func (p InvalidProfile) Unwrap() error { return p.Err }

// Display names for profiles that predate the metadata file, keyed by file name.
var legacyDisplayNames = map[string]string{
	"David_cruz.ovpn": "Dynamic",
	"julian.ovpn":     "Howden",
}

// profileMetadata is the per-profile record in the sidecar file.
type profileMetadata struct {
	DisplayName string    `yaml:"display_name"`
	Imported    time.Time `yaml:"imported,omitempty"`
}

type metadataFile struct {
	Profiles map[string]profileMetadata `yaml:"profiles"`
}

// FileRepository discovers profiles as .ovpn files in one directory.
// Display names live in a profiles.yaml sidecar next to them and status
// goes through a StatusStore.
type FileRepository struct {
	dir      string
	statuses StatusStore
	log      *common.AppLogger

	// metaMu serialises read-modify-write of the sidecar file.
	metaMu sync.Mutex
}

// NewFileRepository creates a repository over dir. A nil store keeps
// statuses in memory.
func NewFileRepository(dir string, statuses StatusStore) *FileRepository {
	if statuses == nil {
		statuses = NewMemoryStatusStore()
	}
	return &FileRepository{
		dir:      dir,
		statuses: statuses,
		log:      common.GetLogger().With("repository"),
	}
}

// Dir returns the profile directory.
func (r *FileRepository) Dir() string {
	return r.dir
}

// Scan reads the profile directory, separating valid profiles from files
// that fail validation. A missing directory yields no profiles.
func (r *FileRepository) Scan(ctx context.Context) ([]*Vpn, []InvalidProfile, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("%w: reading %s: %v", common.ErrRepository, r.dir, err)
	}

	meta, err := r.loadMetadata()
	if err != nil {
		return nil, nil, err
	}

	var (
		valid   []*Vpn
		invalid []InvalidProfile
	)
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != common.ProfileExtension {
			continue
		}

		path, err := filepath.Abs(filepath.Join(r.dir, entry.Name()))
		if err != nil {
			invalid = append(invalid, InvalidProfile{Path: entry.Name(), Err: err})
			continue
		}

		id := common.ProfileIDFromFilename(entry.Name())
		v, err := NewVpn(id, displayNameFor(meta, id, entry.Name()), path)
		if err != nil {
			invalid = append(invalid, InvalidProfile{Path: path, Err: err})
			continue
		}

		status, ok, err := r.statuses.LoadStatus(ctx, id)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: loading status of %s: %v", common.ErrRepository, id, err)
		}
		if ok {
			v.UpdateStatus(status)
		}
		valid = append(valid, v)
	}

	sort.Slice(valid, func(i, j int) bool { return valid[i].ID() < valid[j].ID() })
	return valid, invalid, nil
}

// ListAll returns every valid profile sorted by id. Invalid files are logged.
func (r *FileRepository) ListAll(ctx context.Context) ([]*Vpn, error) {
	valid, invalid, err := r.Scan(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range invalid {
		r.log.Warn("Skipping invalid profile %s: %v", p.Path, p.Err)
	}
	return valid, nil
}

// FindByID returns the profile with the given id.
func (r *FileRepository) FindByID(ctx context.Context, id string) (*Vpn, error) {
	all, err := r.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	for _, v := range all {
		if v.ID() == id {
			return v, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", common.ErrProfileNotFound, id)
}

// Save persists the status of v.
func (r *FileRepository) Save(ctx context.Context, v *Vpn) error {
	if err := r.statuses.SaveStatus(ctx, v.ID(), v.Status()); err != nil {
		return fmt.Errorf("%w: saving %s: %v", common.ErrRepository, v.ID(), err)
	}
	return nil
}

// SetDisplayName records a human label for id in the sidecar file.
func (r *FileRepository) SetDisplayName(ctx context.Context, id, name string) error {
	if _, err := r.FindByID(ctx, id); err != nil {
		return err
	}
	name = strings.TrimSpace(name)

	r.metaMu.Lock()
	defer r.metaMu.Unlock()

	meta, err := r.loadMetadata()
	if err != nil {
		return err
	}
	entry := meta.Profiles[id]
	entry.DisplayName = name
	meta.Profiles[id] = entry
	return r.saveMetadata(meta)
}

// Import validates an OpenVPN configuration file and copies it into the
// profile directory. The profile id is the file name without extension.
func (r *FileRepository) Import(ctx context.Context, src, displayName string) (*Vpn, error) {
	if err := ValidateConfigFile(src); err != nil {
		return nil, err
	}

	id := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
	if strings.TrimSpace(id) == "" {
		return nil, common.ErrEmptyID
	}

	dest := filepath.Join(r.dir, id+common.ProfileExtension)
	if common.FileExists(dest) {
		return nil, fmt.Errorf("%w: %s", common.ErrDuplicateName, id)
	}

	if err := os.MkdirAll(r.dir, 0700); err != nil {
		return nil, fmt.Errorf("%w: creating %s: %v", common.ErrRepository, r.dir, err)
	}
	if err := copyFile(src, dest); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrRepository, err)
	}

	r.metaMu.Lock()
	meta, err := r.loadMetadata()
	if err == nil {
		meta.Profiles[id] = profileMetadata{
			DisplayName: strings.TrimSpace(displayName),
			Imported:    time.Now().UTC().Truncate(time.Second),
		}
		err = r.saveMetadata(meta)
	}
	r.metaMu.Unlock()
	if err != nil {
		return nil, err
	}

	r.log.Info("Imported profile %s from %s", id, src)
	return r.FindByID(ctx, id)
}

// Remove deletes the profile's file, metadata and stored status.
func (r *FileRepository) Remove(ctx context.Context, id string) error {
	v, err := r.FindByID(ctx, id)
	if err != nil {
		return err
	}

	if err := os.Remove(v.ConfigPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: removing %s: %v", common.ErrRepository, v.ConfigPath(), err)
	}

	r.metaMu.Lock()
	meta, err := r.loadMetadata()
	if err == nil {
		if _, ok := meta.Profiles[id]; ok {
			delete(meta.Profiles, id)
			err = r.saveMetadata(meta)
		}
	}
	r.metaMu.Unlock()
	if err != nil {
		return err
	}

	if err := r.statuses.DeleteStatus(ctx, id); err != nil {
		r.log.Warn("Could not delete stored status for %s: %v", id, err)
	}
	return nil
}

func (r *FileRepository) metadataPath() string {
	return filepath.Join(r.dir, common.MetadataFileName)
}

func (r *FileRepository) loadMetadata() (*metadataFile, error) {
	meta := &metadataFile{Profiles: make(map[string]profileMetadata)}

	data, err := os.ReadFile(r.metadataPath())
	if err != nil {
		if os.IsNotExist(err) {
			return meta, nil
		}
		return nil, fmt.Errorf("%w: reading profile metadata: %v", common.ErrRepository, err)
	}

	if err := yaml.Unmarshal(data, meta); err != nil {
		return nil, fmt.Errorf("%w: parsing profile metadata: %v", common.ErrRepository, err)
	}
	if meta.Profiles == nil {
		meta.Profiles = make(map[string]profileMetadata)
	}
	return meta, nil
}

func (r *FileRepository) saveMetadata(meta *metadataFile) error {
	data, err := yaml.Marshal(meta)
	if err != nil {
		return fmt.Errorf("%w: serializing profile metadata: %v", common.ErrRepository, err)
	}
	if err := os.WriteFile(r.metadataPath(), data, 0600); err != nil {
		return fmt.Errorf("%w: writing profile metadata: %v", common.ErrRepository, err)
	}
	return nil
}

func displayNameFor(meta *metadataFile, id, filename string) string {
	if entry, ok := meta.Profiles[id]; ok && entry.DisplayName != "" {
		return entry.DisplayName
	}
	if name, ok := legacyDisplayNames[filename]; ok {
		return name
	}
	return common.UnknownDisplayName
}

// ValidateConfigFile checks that path is a readable OpenVPN client
// configuration with a .ovpn or .conf extension and a remote directive.
func ValidateConfigFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrInvalidConfig, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", common.ErrInvalidConfig, path)
	}

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".ovpn" && ext != ".conf" {
		return fmt.Errorf("%w: expected .ovpn or .conf extension", common.ErrInvalidConfig)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrInvalidConfig, err)
	}

	var hasClient, hasRemote bool
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") || strings.HasPrefix(fields[0], ";") {
			continue
		}
		switch strings.ToLower(fields[0]) {
		case "client", "tls-client":
			hasClient = true
		case "remote":
			if len(fields) > 1 {
				hasRemote = true
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("%w: %v", common.ErrInvalidConfig, err)
	}

	if !hasRemote {
		return fmt.Errorf("%w: missing remote directive", common.ErrInvalidConfig)
	}
	if !hasClient {
		return fmt.Errorf("%w: missing client directive", common.ErrInvalidConfig)
	}
	return nil
}

// copyFile copies a file from src to dst with secure permissions.
func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("failed to read source file: %w", err)
	}
	if err := os.WriteFile(dst, data, 0600); err != nil {
		return fmt.Errorf("failed to write destination file: %w", err)
	}
	return nil
}
