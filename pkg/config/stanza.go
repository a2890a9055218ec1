package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strconv"
	"strings"
)

const (
	stationTemplate = `[Station]
    station_type = wmII
`
	driverTemplate = `[wmII]
    model = Weather Monitor II
    loop_interval = 2
    driver = user.wmII
    type = serial
    port = %s
`
)

var (
	sectionHeader    = regexp.MustCompile(`^\s*\[\s*([^\[\]]+?)\s*\]\s*(#.*)?$`)
	subsectionHeader = regexp.MustCompile(`^\s*\[\[`)
)

// DefaultStanza returns the configuration stanza for a console on port
func DefaultStanza(port string) string {
	return stationTemplate + driverStanza(port)
}

func driverStanza(port string) string {
	if port == "" {
		port = DefaultSerialDevice
	}
	return fmt.Sprintf(driverTemplate, port)
}

// AppendStanza adds the driver stanza to a weewx configuration file and
// selects wmII as the station type. The file is edited line by line: a
// missing [wmII] section is appended verbatim, and station_type and port are
// replaced where they already exist. Every other line is left untouched.
func AppendStanza(filename, port string) error {
	if port == "" {
		port = DefaultSerialDevice
	}

	info, err := os.Stat(filename)
	if errors.Is(err, fs.ErrNotExist) {
		return os.WriteFile(filename, []byte(DefaultStanza(port)), 0644)
	}
	if err != nil {
		return fmt.Errorf("error reading %s: %w", filename, err)
	}

	existing, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("error reading %s: %w", filename, err)
	}

	conf := parseConf(string(existing))
	_, hasStation := conf.section("Station")
	_, hasDriver := conf.section(DefaultName)

	switch {
	case !hasStation && !hasDriver:
		conf.append(DefaultStanza(port))
	case !hasDriver:
		conf.setKey("Station", "station_type", DefaultStationType)
		conf.append(driverStanza(port))
	default:
		if hasStation {
			conf.setKey("Station", "station_type", DefaultStationType)
		} else {
			conf.insertSection(DefaultName, stationTemplate)
		}
		conf.addMissingKeys(DefaultName, []keyValue{
			{"model", DefaultModel},
			{"loop_interval", strconv.Itoa(int(DefaultLoopInterval.Seconds()))},
			{"driver", DefaultDriver},
			{"type", DefaultConnectionType},
		})
		conf.setKey(DefaultName, "port", port)
	}

	if err := os.WriteFile(filename, []byte(conf.String()), info.Mode().Perm()); err != nil {
		return fmt.Errorf("error writing %s: %w", filename, err)
	}
	return nil
}

type keyValue struct{ key, value string }

// confFile holds a configobj-style file as raw lines, each with its line
// terminator, so that unedited lines are written back byte for byte
type confFile struct {
	lines []string
}

func parseConf(s string) *confFile {
	if s == "" {
		return &confFile{}
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return &confFile{lines: lines}
}

func (c *confFile) String() string {
	return strings.Join(c.lines, "")
}

// section returns the line range of a top-level section's own keys: from the
// line after its header up to its first subsection or the next section
func (c *confFile) section(name string) ([2]int, bool) {
	start := -1
	for i, line := range c.lines {
		m := sectionHeader.FindStringSubmatch(strings.TrimRight(line, "\r\n"))
		if start < 0 {
			if m != nil && m[1] == name {
				start = i + 1
			}
			continue
		}
		if m != nil || subsectionHeader.MatchString(line) {
			return [2]int{start, i}, true
		}
	}
	if start < 0 {
		return [2]int{}, false
	}
	return [2]int{start, len(c.lines)}, true
}

func keyPattern(key string) *regexp.Regexp {
	return regexp.MustCompile(`^(\s*)` + regexp.QuoteMeta(key) + `\s*=`)
}

// setKey replaces the value of key in the named section, or adds the key
// right after the section header
func (c *confFile) setKey(section, key, value string) {
	r, ok := c.section(section)
	if !ok {
		return
	}
	pattern := keyPattern(key)
	for i := r[0]; i < r[1]; i++ {
		if m := pattern.FindStringSubmatch(c.lines[i]); m != nil {
			c.lines[i] = m[1] + key + " = " + value + lineEnding(c.lines[i])
			return
		}
	}
	c.insert(r[0], "    "+key+" = "+value+"\n")
}

func (c *confFile) addMissingKeys(section string, kvs []keyValue) {
	for i := len(kvs) - 1; i >= 0; i-- {
		r, ok := c.section(section)
		if !ok {
			return
		}
		if c.hasKey(r, kvs[i].key) {
			continue
		}
		c.insert(r[0], "    "+kvs[i].key+" = "+kvs[i].value+"\n")
	}
}

func (c *confFile) hasKey(r [2]int, key string) bool {
	pattern := keyPattern(key)
	for i := r[0]; i < r[1]; i++ {
		if pattern.MatchString(c.lines[i]) {
			return true
		}
	}
	return false
}

// insertSection puts text in front of the named section's header
func (c *confFile) insertSection(before, text string) {
	r, ok := c.section(before)
	if !ok {
		c.append(text)
		return
	}
	c.insert(r[0]-1, text)
}

func (c *confFile) insert(at int, text string) {
	added := strings.SplitAfter(text, "\n")
	if added[len(added)-1] == "" {
		added = added[:len(added)-1]
	}
	if at > 0 && !strings.HasSuffix(c.lines[at-1], "\n") {
		c.lines[at-1] += "\n"
	}
	lines := make([]string, 0, len(c.lines)+len(added))
	lines = append(lines, c.lines[:at]...)
	lines = append(lines, added...)
	c.lines = append(lines, c.lines[at:]...)
}

func (c *confFile) append(text string) {
	c.insert(len(c.lines), text)
}

func lineEnding(line string) string {
	switch {
	case strings.HasSuffix(line, "\r\n"):
		return "\r\n"
	case strings.HasSuffix(line, "\n"):
		return "\n"
	}
	return ""
}
