package device

import (
	"fmt"
	"path/filepath"

	"gopkg.in/ini.v1"
)

// Project is the decoded [main] section of a pigro.ini project file
// (FirmwareInfo::loadFromFile): which device to target, which HEX file to
// flash, and whether to run verbosely.
type Project struct {
	Device      string
	HexFileName string
	HexFilePath string
	Verbose     bool
}

// LoadProject reads path's [main] section. hex is resolved relative to
// path's directory, matching QFileInfo(path).dir().filePath(hexFileName).
func LoadProject(path string) (*Project, error) {
	cfg, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("device: loading project %s: %w", path, err)
	}

	sec := cfg.Section("main")
	p := &Project{
		Device:      sec.Key("device").String(),
		HexFileName: sec.Key("hex").String(),
		Verbose:     sec.Key("output").MustString("quiet") == "verbose",
	}

	if p.Device == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoProjectDevice, path)
	}
	if p.HexFileName == "" {
		return nil, fmt.Errorf("device: project %s has no hex key", path)
	}

	p.HexFilePath = filepath.Join(filepath.Dir(path), p.HexFileName)
	return p, nil
}
