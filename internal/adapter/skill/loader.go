package skill

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// maxSkillFileSize is the maximum allowed skill file size (1 MiB).
const maxSkillFileSize = 1 << 20

// Definition is one prompt-template skill parsed from a markdown file.
type Definition struct {
	Name        string
	Description string
	Tags        []string
	// Template is the markdown body. {{.input}} is replaced with the tool
	// call's input at execution time.
	Template string
}

// LoadDir reads skill files from dir. Two layouts are supported:
//   - Flat: dir/*.md (one file per skill)
//   - Subdirectory: dir/<name>/SKILL.md (one directory per skill)
func LoadDir(dir string) ([]Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read skill dir %s: %w", dir, err)
	}

	seen := make(map[string]bool)
	var defs []Definition
	for _, entry := range entries {
		var path string
		if entry.IsDir() {
			candidate := filepath.Join(dir, entry.Name(), "SKILL.md")
			if _, err := os.Stat(candidate); err != nil {
				continue
			}
			path = candidate
		} else if strings.HasSuffix(entry.Name(), ".md") {
			path = filepath.Join(dir, entry.Name())
		} else {
			continue
		}

		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("stat skill file %s: %w", path, err)
		}
		if info.Size() > maxSkillFileSize {
			return nil, fmt.Errorf("skill file %s too large (%d bytes, max %d)", path, info.Size(), maxSkillFileSize)
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read skill file %s: %w", path, err)
		}

		def, err := parseSkillFile(string(data))
		if err != nil {
			return nil, fmt.Errorf("parse skill file %s: %w", path, err)
		}

		if seen[def.Name] {
			return nil, fmt.Errorf("duplicate skill name %q in %s", def.Name, path)
		}
		seen[def.Name] = true
		defs = append(defs, def)
	}

	return defs, nil
}

// parseSkillFile parses a markdown file with YAML frontmatter (--- delimited).
func parseSkillFile(content string) (Definition, error) {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "---") {
		return Definition{}, fmt.Errorf("missing frontmatter delimiter")
	}

	parts := strings.SplitN(content[3:], "---", 2)
	if len(parts) != 2 {
		return Definition{}, fmt.Errorf("missing closing frontmatter delimiter")
	}

	def := Definition{Template: strings.TrimSpace(parts[1])}

	for _, line := range strings.Split(strings.TrimSpace(parts[0]), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		colonIdx := strings.Index(line, ":")
		if colonIdx < 0 {
			continue
		}
		key := strings.TrimSpace(line[:colonIdx])
		value := strings.TrimSpace(line[colonIdx+1:])

		switch key {
		case "name":
			def.Name = value
		case "description":
			def.Description = value
		case "tags":
			def.Tags = parseTags(value)
		}
	}

	if def.Name == "" {
		return Definition{}, fmt.Errorf("skill missing name in frontmatter")
	}
	return def, nil
}

// parseTags parses [tag1, tag2] or tag1, tag2 format.
func parseTags(s string) []string {
	s = strings.Trim(s, "[]")
	parts := strings.Split(s, ",")
	var tags []string
	for _, p := range parts {
		tag := strings.TrimSpace(p)
		if tag != "" {
			tags = append(tags, tag)
		}
	}
	return tags
}
