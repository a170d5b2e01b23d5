package pipeline

import (
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/conveyorci/conveyor/pkg/cierr"
)

var (
	imageNamePattern  = regexp.MustCompile(`^[A-Za-z0-9._\-/:@]+$`)
	volumeNamePattern = regexp.MustCompile(`^[A-Za-z0-9-]+$`)
	shellMetaPattern  = regexp.MustCompile("[;&|<>`$(){}\\[\\]!*?~#\n\"']")
)

// ContainerCommand builds the deterministic `docker run` shell string
// for running command inside the stage container. Field order is fixed:
// volumes, workdir, env (sorted by key), image, then the quoted command
// under `sh -c`.
func ContainerCommand(c *Container, workdir, command string, extraEnv map[string]string) (string, error) {
	if err := ValidateContainer(c); err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("docker run --rm")

	for _, vol := range c.Volumes {
		b.WriteString(" -v ")
		b.WriteString(shellQuote(vol))
	}
	// Cache volumes are named volumes, persistent across runs on the
	// same host. Sorted for deterministic output.
	cacheNames := make([]string, 0, len(c.CacheVolumes))
	for name := range c.CacheVolumes {
		cacheNames = append(cacheNames, name)
	}
	sort.Strings(cacheNames)
	for _, name := range cacheNames {
		b.WriteString(" -v ")
		b.WriteString(shellQuote(name + ":" + c.CacheVolumes[name]))
	}

	if workdir != "" {
		b.WriteString(" -w ")
		b.WriteString(shellQuote(workdir))
	}

	env := mergeEnv(c.Env, extraEnv)
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(" -e ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(shellQuote(env[k]))
	}

	b.WriteString(" ")
	b.WriteString(c.Image)
	b.WriteString(" sh -c ")
	b.WriteString(shellQuote(command))
	return b.String(), nil
}

// ComposeCommand builds the shell string for a docker-compose step:
// the named service runs the quoted command and is torn down after.
func ComposeCommand(service, command string) (string, error) {
	if service == "" || !imageNamePattern.MatchString(service) {
		return "", cierr.New(cierr.KindPipelineInvalid, "invalid compose service name %q", service)
	}
	return "docker-compose run --rm " + service + " sh -c " + shellQuote(command), nil
}

// ValidateContainer enforces image-name, volume-name, and mount-path
// constraints before any shell string is built.
func ValidateContainer(c *Container) error {
	if c.Image == "" || !imageNamePattern.MatchString(c.Image) {
		return cierr.New(cierr.KindPipelineInvalid, "invalid container image name %q", c.Image)
	}
	for _, vol := range c.Volumes {
		host, _, ok := strings.Cut(vol, ":")
		if !ok {
			return cierr.New(cierr.KindPipelineInvalid, "volume %q is not host:container", vol)
		}
		if err := validateMountPath(host); err != nil {
			return err
		}
	}
	for name, mount := range c.CacheVolumes {
		if !volumeNamePattern.MatchString(name) {
			return cierr.New(cierr.KindPipelineInvalid, "invalid cache volume name %q", name)
		}
		if err := validateMountPath(mount); err != nil {
			return err
		}
	}
	return nil
}

// validateMountPath requires an absolute path with no parent-escapes
// after normalization and no shell metacharacters.
func validateMountPath(p string) error {
	if !strings.HasPrefix(p, "/") {
		return cierr.New(cierr.KindPipelineInvalid, "mount path %q is not absolute", p)
	}
	clean := path.Clean(p)
	if strings.Contains(clean, "..") {
		return cierr.New(cierr.KindPipelineInvalid, "mount path %q escapes via ..", p)
	}
	if shellMetaPattern.MatchString(p) {
		return cierr.New(cierr.KindPipelineInvalid, "mount path %q contains shell metacharacters", p)
	}
	return nil
}

// shellQuote single-quote-escapes a value for inclusion in a shell
// string: ' becomes '\'' inside single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func mergeEnv(base, extra map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}
