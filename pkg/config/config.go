package config

import (
	"os"

	"github.com/pkg/errors"
	"sigs.k8s.io/yaml"

	pfv1alpha1 "github.com/openshift/packet-filter/api/v1alpha1"
)

// DefaultPath is where the daemon looks for its configuration unless
// PF_CONFIG says otherwise.
const DefaultPath = "/etc/packet-filter/pf.yaml"

// Parse decodes a YAML or JSON configuration. Unknown fields are errors.
func Parse(data []byte) (*pfv1alpha1.PacketFilterConfig, error) {
	cfg := &pfv1alpha1.PacketFilterConfig{}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, errors.Wrap(err, "failed to decode packet filter configuration")
	}
	return cfg, nil
}

// Load reads and decodes the configuration file at path.
func Load(path string) (*pfv1alpha1.PacketFilterConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "in %s", path)
	}
	return cfg, nil
}

// Marshal encodes cfg as YAML.
func Marshal(cfg *pfv1alpha1.PacketFilterConfig) ([]byte, error) {
	return yaml.Marshal(cfg)
}
