package device

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"
)

// Database loads DeviceDescriptor sections from the search path used by the
// original tool (DeviceInfo::LoadByName): the project's own pigro.ini takes
// priority over the user's and system device catalogues, so a project can
// shadow a stock part with project-local tweaks.
type Database struct {
	// Home overrides the user's home directory; tests set this instead of
	// touching the real $HOME.
	Home string

	// SystemDir overrides /usr/share/pigro; tests set this to a temp dir.
	SystemDir string
}

// NewDatabase builds a Database using the process's real $HOME and the
// standard system directory.
func NewDatabase() *Database {
	home, _ := os.UserHomeDir()
	return &Database{Home: home, SystemDir: "/usr/share/pigro"}
}

func (db *Database) searchPath(name string) []string {
	paths := []string{"pigro.ini"}
	if db.Home != "" {
		paths = append(paths,
			filepath.Join(db.Home, ".pigro", "devices.ini"),
			filepath.Join(db.Home, ".pigro", name+".ini"),
		)
	}
	sys := db.SystemDir
	if sys == "" {
		sys = "/usr/share/pigro"
	}
	paths = append(paths,
		filepath.Join(sys, "devices.ini"),
		filepath.Join(sys, name+".ini"),
	)
	return paths
}

// LoadByName searches the configured path, in order, for an INI file
// defining a section named name, and decodes it into a Descriptor. It
// returns ErrNotFound if no file on the path has that section.
func (db *Database) LoadByName(name string) (*Descriptor, error) {
	for _, path := range db.searchPath(name) {
		cfg, err := ini.Load(path)
		if err != nil {
			continue
		}
		if !cfg.HasSection(name) {
			continue
		}
		return decodeSection(name, cfg.Section(name))
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
}

func decodeSection(name string, sec *ini.Section) (*Descriptor, error) {
	kind := sec.Key("type").MustString("avr")
	d := &Descriptor{Name: name}

	switch strings.ToLower(kind) {
	case "arm", "stm32", "cortex-m3":
		d.Kind = KindARM
		d.IDCode = uint32(sec.Key("id_code").MustUint64(0))
		pageSize, err := parseSize(sec.Key("page_size").MustString("1024"))
		if err != nil {
			return nil, fmt.Errorf("%w: page_size: %v", ErrInvalidDescriptor, err)
		}
		flashSize, err := parseSize(sec.Key("flash_size").String())
		if err != nil {
			return nil, fmt.Errorf("%w: flash_size: %v", ErrInvalidDescriptor, err)
		}
		d.PageSize = pageSize
		d.FlashSize = flashSize
	default:
		d.Kind = KindAVR
		sig, err := parseDeviceCode(sec.Key("device_code").String())
		if err != nil {
			return nil, err
		}
		d.Signature = sig
		d.PageWordSize = byte(sec.Key("page_size").MustUint64(0))
		d.PageCount = byte(sec.Key("page_count").MustUint64(0))
		d.Paged = sec.Key("paged").MustBool(true)
		if s := sec.Key("fuse_low").String(); s != "" {
			v, err := parseFuse(s)
			if err != nil {
				return nil, err
			}
			d.FuseLow = &v
		}
		if s := sec.Key("fuse_high").String(); s != "" {
			v, err := parseFuse(s)
			if err != nil {
				return nil, err
			}
			d.FuseHigh = &v
		}
		if s := sec.Key("fuse_ext").String(); s != "" {
			v, err := parseFuse(s)
			if err != nil {
				return nil, err
			}
			d.FuseExt = &v
		}
	}

	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// parseDeviceCode parses "0x1E,0x93,0x07" into a 3-byte AVR signature.
func parseDeviceCode(s string) ([3]byte, error) {
	var out [3]byte
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return out, fmt.Errorf("%w: %q", ErrBadSignature, s)
	}
	for i, p := range parts {
		v, err := strconv.ParseUint(strings.TrimSpace(p), 0, 8)
		if err != nil {
			return out, fmt.Errorf("%w: %q", ErrBadSignature, s)
		}
		out[i] = byte(v)
	}
	return out, nil
}

func parseFuse(s string) (byte, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 8)
	if err != nil {
		return 0, fmt.Errorf("device: malformed fuse value %q: %w", s, err)
	}
	return byte(v), nil
}

// parseSize parses a decimal size with an optional k/K (x1024) or m/M
// (x1024*1024) suffix, as ARM::parse_page_size/parse_flash_size do.
func parseSize(s string) (uint32, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	mult := uint64(1)
	switch s[len(s)-1] {
	case 'k', 'K':
		mult = 1024
		s = s[:len(s)-1]
	case 'm', 'M':
		mult = 1024 * 1024
		s = s[:len(s)-1]
	}
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v * mult), nil
}
