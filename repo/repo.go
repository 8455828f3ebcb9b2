package repo

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const (
	rootPathEnvVar = "COORDINATOR_PATH"

	envPrefix = "COORDINATOR"

	cfgFileName = "coordinator.toml"

	defaultRepoRoot = "~/.coordinator"

	LogsDirName = "logs"

	StoreDirName = "leveldb"

	DigestDirName = "digests"
)

type Repo struct {
	Config *Config
}

// Exist check if the file with the given path exits.
func Exist(path string) bool {
	fi, err := os.Lstat(path)
	if fi != nil || (err != nil && !os.IsNotExist(err)) {
		return true
	}

	return false
}

// Load reads the config under repoRoot, writing the default one first when the repo is new.
func Load(repoRoot string) (*Repo, error) {
	rootPath, err := LoadRepoRootFromEnv(repoRoot)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig(rootPath)
	cfgPath := filepath.Join(rootPath, cfgFileName)

	if Exist(cfgPath) {
		if err := CheckWritable(rootPath); err != nil {
			return nil, err
		}
		if err := readConfigFromFile(cfgPath, cfg); err != nil {
			return nil, errors.Wrapf(err, "failed to read %s", cfgPath)
		}
	} else {
		if err := os.MkdirAll(rootPath, 0755); err != nil {
			return nil, errors.Wrap(err, "failed to create repo root")
		}
		if err := writeConfigWithEnv(cfgPath, cfg); err != nil {
			return nil, errors.Wrap(err, "failed to build default config")
		}
	}
	cfg.RepoRoot = rootPath

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}

	return &Repo{
		Config: cfg,
	}, nil
}

func (r *Repo) Flush() error {
	if err := writeConfigWithEnv(filepath.Join(r.Config.RepoRoot, cfgFileName), r.Config); err != nil {
		return errors.Wrap(err, "failed to write config")
	}

	return nil
}

// StorePath is where the proposal database lives.
func (r *Repo) StorePath() string {
	return filepath.Join(r.Config.RepoRoot, StoreDirName)
}

// DigestPath resolves digest.output_dir, relative paths being taken from the repo root.
func (r *Repo) DigestPath() string {
	dir := r.Config.Digest.OutputDir
	if dir == "" || filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(r.Config.RepoRoot, dir)
}

func writeConfigWithEnv(cfgPath string, config any) error {
	if err := writeConfig(cfgPath, config); err != nil {
		return err
	}
	// round trip through viper so COORDINATOR_* overrides land in the file
	if err := readConfigFromFile(cfgPath, config); err != nil {
		return errors.Wrapf(err, "failed to read cfg from environment")
	}
	return writeConfig(cfgPath, config)
}

func writeConfig(cfgPath string, config any) error {
	raw, err := MarshalConfig(config)
	if err != nil {
		return err
	}

	return os.WriteFile(cfgPath, []byte(raw), 0644)
}

func MarshalConfig(config any) (string, error) {
	buf := bytes.NewBuffer([]byte{})
	e := toml.NewEncoder(buf)
	e.SetIndentTables(true)
	e.SetArraysMultiline(true)
	if err := e.Encode(config); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func LoadRepoRootFromEnv(repoRoot string) (string, error) {
	if repoRoot != "" {
		return repoRoot, nil
	}
	repoRoot = os.Getenv(rootPathEnvVar)
	if repoRoot != "" {
		return repoRoot, nil
	}
	return homedir.Expand(defaultRepoRoot)
}

func readConfigFromFile(cfgFilePath string, config any) error {
	vp := viper.New()
	vp.SetConfigFile(cfgFilePath)
	vp.SetConfigType("toml")
	vp.AutomaticEnv()
	vp.SetEnvPrefix(envPrefix)
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := vp.ReadInConfig(); err != nil {
		return err
	}

	return vp.Unmarshal(config)
}

func CheckWritable(dir string) error {
	_, err := os.Stat(dir)
	if err == nil {
		// dir exists, make sure we can write to it
		testfile := filepath.Join(dir, "test")
		fi, err := os.Create(testfile)
		if err != nil {
			if os.IsPermission(err) {
				return fmt.Errorf("%s is not writeable by the current user", dir)
			}
			return fmt.Errorf("unexpected error while checking writeablility of repo root: %s", err)
		}
		fi.Close()
		return os.Remove(testfile)
	}

	if os.IsNotExist(err) {
		return os.Mkdir(dir, 0775)
	}

	if os.IsPermission(err) {
		return fmt.Errorf("cannot write to %s, incorrect permissions", err)
	}

	return err
}
