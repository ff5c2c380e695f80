package registry

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/yuin/goldmark"
	meta "github.com/yuin/goldmark-meta"
	"github.com/yuin/goldmark/parser"
	"gopkg.in/yaml.v3"

	"github.com/orbitdesk/skillhub/pkg/logger"
	"github.com/orbitdesk/skillhub/pkg/types/platform"
)

const (
	skillFileName    = "SKILL.md"
	manifestFileName = "manifest.yaml"
)

// defaultFilePatterns selects which files under a skill directory
// become stub files of the imported skill.
var defaultFilePatterns = []string{"**/*.json", "**/*.md", "**/*.ts", "**/*.js", "**/*.yaml"}

// Loader imports hand-authored skills from a local directory. Each
// skill lives in its own subdirectory containing a SKILL.md with YAML
// frontmatter (name, description, category, version) and an optional
// manifest.yaml carrying the permission and onboarding declarations.
type Loader struct {
	registry     *Registry
	dir          string
	filePatterns []string
}

// NewLoader creates a loader for dir.
func NewLoader(registry *Registry, dir string) *Loader {
	return &Loader{
		registry:     registry,
		dir:          dir,
		filePatterns: defaultFilePatterns,
	}
}

// ImportAll imports every skill directory found under the loader's
// root. Skills already registered at the same version are skipped, so
// re-importing is cheap and safe.
func (l *Loader) ImportAll(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errors.Wrapf(err, "failed to read skills directory %s", l.dir)
	}

	imported := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		skillDir := filepath.Join(l.dir, entry.Name())
		skill, err := l.loadSkill(skillDir)
		if err != nil {
			logger.G(ctx).WithField("dir", skillDir).WithError(err).Warn("skipping malformed skill directory")
			continue
		}

		err = l.registry.CreateSkill(ctx, skill)
		switch {
		case err == nil:
			imported++
		case errors.Is(err, platform.ErrDuplicateSlug):
			// Already imported at this version
		default:
			return imported, errors.Wrapf(err, "failed to import skill from %s", skillDir)
		}
	}

	return imported, nil
}

// loadSkill reads one skill directory into a skill definition.
func (l *Loader) loadSkill(dir string) (*platform.Skill, error) {
	content, err := os.ReadFile(filepath.Join(dir, skillFileName))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read SKILL.md")
	}

	md := goldmark.New(goldmark.WithExtensions(meta.Meta))
	var buf bytes.Buffer
	pctx := parser.NewContext()
	if err := md.Convert(content, &buf, parser.WithContext(pctx)); err != nil {
		return nil, errors.Wrap(err, "failed to parse SKILL.md")
	}

	metaData := meta.Get(pctx)
	if metaData == nil {
		return nil, errors.New("SKILL.md is missing frontmatter")
	}

	name, _ := metaData["name"].(string)
	if name == "" {
		return nil, errors.New("skill name is required in frontmatter")
	}
	description, _ := metaData["description"].(string)
	category, _ := metaData["category"].(string)
	version, _ := metaData["version"].(string)
	icon, _ := metaData["icon"].(string)
	author, _ := metaData["author"].(string)
	if version == "" {
		version = "1.0.0"
	}
	if category == "" {
		category = "general"
	}

	manifest, err := l.loadManifest(dir)
	if err != nil {
		return nil, err
	}

	files, err := l.collectFiles(dir)
	if err != nil {
		return nil, err
	}

	return &platform.Skill{
		Slug:          filepath.Base(dir),
		Name:          name,
		Description:   description,
		Icon:          icon,
		Category:      category,
		Version:       version,
		Author:        author,
		Manifest:      manifest,
		Files:         files,
		IsMarketplace: true,
		CreatedAt:     time.Now(),
	}, nil
}

func (l *Loader) loadManifest(dir string) (platform.Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return platform.Manifest{}, nil
		}
		return platform.Manifest{}, errors.Wrap(err, "failed to read manifest.yaml")
	}

	var manifest platform.Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return platform.Manifest{}, errors.Wrap(err, "failed to parse manifest.yaml")
	}
	return manifest, nil
}

// collectFiles gathers stub files matching the loader's include
// patterns, keyed by path relative to the skill directory.
func (l *Loader) collectFiles(dir string) (map[string]string, error) {
	files := make(map[string]string)
	fsys := os.DirFS(dir)

	for _, pattern := range l.filePatterns {
		matches, err := doublestar.Glob(fsys, pattern)
		if err != nil {
			return nil, errors.Wrapf(err, "bad file pattern %s", pattern)
		}
		for _, match := range matches {
			if match == skillFileName || match == manifestFileName {
				continue
			}
			content, err := os.ReadFile(filepath.Join(dir, match))
			if err != nil {
				return nil, errors.Wrapf(err, "failed to read skill file %s", match)
			}
			files[filepath.ToSlash(match)] = string(content)
		}
	}

	return files, nil
}

// Watch re-imports the skills directory whenever it changes. It blocks
// until ctx is cancelled.
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "failed to create filesystem watcher")
	}
	defer watcher.Close()

	if err := watcher.Add(l.dir); err != nil {
		return errors.Wrapf(err, "failed to watch %s", l.dir)
	}

	// Coalesce bursts of events (editors write several times per save).
	const debounce = 500 * time.Millisecond
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				timerC = timer.C
			} else {
				timer.Reset(debounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.G(ctx).WithError(err).Warn("skills directory watcher error")
		case <-timerC:
			timer = nil
			timerC = nil
			if imported, err := l.ImportAll(ctx); err != nil {
				logger.G(ctx).WithError(err).Error("failed to re-import skills directory")
			} else if imported > 0 {
				logger.G(ctx).WithField("imported", imported).Info("imported skills from directory")
			}
		}
	}
}

// SkillsDirFromBase resolves the hand-authored skills directory under a
// base path, defaulting to ~/.skillhub/skills.
func SkillsDirFromBase(basePath string) (string, error) {
	if basePath != "" {
		return filepath.Join(basePath, "skills"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "failed to get home directory")
	}
	return filepath.Join(home, ".skillhub", "skills"), nil
}
