package refdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"

	"github.com/apk-analysis/apk-static-go/internal/signature"
)

// 数据集内的相对路径
const (
	androidInfoDir          = "android_info"
	apiPermissionMappingDir = androidInfoDir + "/api_permission_mappings"
	authorityClassesFile    = androidInfoDir + "/content_providers/authority_classes.json"
	contentProvidersFile    = androidInfoDir + "/content_providers/content_providers.json"
	trackersFile            = androidInfoDir + "/trackers/trackers.json"
)

var mappingFilePattern = regexp.MustCompile(`^sdk-(\d+)\.json$`)

// Source 参考数据来源
type Source interface {
	ContentProviders(ctx context.Context) ([]*ContentProvider, error)
	AuthorityClasses(ctx context.Context) (map[string]AuthorityClass, error)
	// Levels 提供权限映射的 API 级别，升序
	Levels(ctx context.Context) ([]int, error)
	PermissionMapping(ctx context.Context, level int) ([]*APIPermission, error)
	Trackers(ctx context.Context) ([]*signature.Tracker, error)
}

// FSSource 从目录（或任意 fs.FS）读取 JSON 数据集
type FSSource struct {
	fsys fs.FS
}

// NewFSSource 创建数据源，fsys 的根目录下应包含 android_info/
func NewFSSource(fsys fs.FS) *FSSource {
	return &FSSource{fsys: fsys}
}

// ContentProviders 读取 content_providers.json
func (s *FSSource) ContentProviders(ctx context.Context) ([]*ContentProvider, error) {
	var providers []*ContentProvider
	if err := s.readJSON(ctx, contentProvidersFile, &providers); err != nil {
		return nil, err
	}
	return providers, nil
}

// AuthorityClasses 读取 authority_classes.json
func (s *FSSource) AuthorityClasses(ctx context.Context) (map[string]AuthorityClass, error) {
	var classes map[string]AuthorityClass
	if err := s.readJSON(ctx, authorityClassesFile, &classes); err != nil {
		return nil, err
	}
	return classes, nil
}

// Levels 列出 api_permission_mappings 下的 sdk-N.json
func (s *FSSource) Levels(ctx context.Context) ([]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := fs.ReadDir(s.fsys, apiPermissionMappingDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", apiPermissionMappingDir, err)
	}

	var levels []int
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := mappingFilePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		level, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		levels = append(levels, level)
	}
	sort.Ints(levels)
	return levels, nil
}

// PermissionMapping 读取指定级别的 sdk-N.json
func (s *FSSource) PermissionMapping(ctx context.Context, level int) ([]*APIPermission, error) {
	var mapping []*APIPermission
	name := path.Join(apiPermissionMappingDir, fmt.Sprintf("sdk-%d.json", level))
	if err := s.readJSON(ctx, name, &mapping); err != nil {
		return nil, err
	}
	return mapping, nil
}

// Trackers 读取 trackers.json
func (s *FSSource) Trackers(ctx context.Context) ([]*signature.Tracker, error) {
	var doc trackersDocument
	if err := s.readJSON(ctx, trackersFile, &doc); err != nil {
		return nil, err
	}
	return doc.Trackers, nil
}

func (s *FSSource) readJSON(ctx context.Context, name string, v interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f, err := s.fsys.Open(name)
	if err != nil {
		return fmt.Errorf("failed to open dataset %s: %w", name, err)
	}
	defer f.Close()

	if err := json.NewDecoder(f).Decode(v); err != nil {
		return fmt.Errorf("failed to decode dataset %s: %w", name, err)
	}
	return nil
}
