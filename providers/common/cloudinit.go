package common

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

const bootstrapPath = "/var/lib/cloud/runner-bootstrap.sh"

const cloudConfigHeader = "#cloud-config\n"

type cloudInitFile struct {
	Path        string `yaml:"path"`
	Permissions string `yaml:"permissions"`
	Content     string `yaml:"content"`
}

type cloudInitConfig struct {
	WriteFiles []cloudInitFile `yaml:"write_files"`
	RunCmd     []string        `yaml:"runcmd"`
}

// WrapCloudInit wraps a rendered bootstrap script into a #cloud-config
// document for backends whose user-data channel expects cloud-init (GCP
// metadata, LXD vendor data). If overlay is non-empty it is merged over
// the generated document.
func WrapCloudInit(script, overlay string) (string, error) {
	conf := cloudInitConfig{
		WriteFiles: []cloudInitFile{
			{
				Path:        bootstrapPath,
				Permissions: "0755",
				Content:     script,
			},
		},
		RunCmd: []string{bootstrapPath},
	}
	body, err := yaml.Marshal(conf)
	if err != nil {
		return "", fmt.Errorf("marshaling cloud-init config: %w", err)
	}
	out := cloudConfigHeader + string(body)
	if overlay == "" {
		return out, nil
	}
	return MergeCloudInit(out, overlay)
}

// MergeCloudInit merges a cloud-init overlay document over a base document.
// Maps merge by key, sequences append, scalars are overridden.
func MergeCloudInit(base, overlay string) (string, error) {
	// strip the header so the node round trip cannot duplicate it
	base = strings.TrimPrefix(base, cloudConfigHeader)
	var baseNode, overlayNode yaml.Node
	if err := yaml.Unmarshal([]byte(base), &baseNode); err != nil {
		return "", fmt.Errorf("decoding base config: %w", err)
	}
	if err := yaml.Unmarshal([]byte(overlay), &overlayNode); err != nil {
		return "", fmt.Errorf("decoding overlay config: %w", err)
	}
	if len(baseNode.Content) == 0 {
		return "", fmt.Errorf("base config is empty")
	}
	if len(overlayNode.Content) == 0 {
		return cloudConfigHeader + base, nil
	}

	mergeNodes(baseNode.Content[0], overlayNode.Content[0])

	merged, err := yaml.Marshal(&baseNode)
	if err != nil {
		return "", fmt.Errorf("marshaling merged config: %w", err)
	}
	return cloudConfigHeader + string(merged), nil
}

func mergeNodes(base, overlay *yaml.Node) {
	switch base.Kind {
	case yaml.MappingNode:
		for i := 0; i < len(overlay.Content); i += 2 {
			oKey, oVal := overlay.Content[i], overlay.Content[i+1]
			found := false
			for j := 0; j < len(base.Content); j += 2 {
				bKey, bVal := base.Content[j], base.Content[j+1]
				if bKey.Value == oKey.Value {
					mergeNodes(bVal, oVal)
					found = true
					break
				}
			}
			if !found {
				base.Content = append(base.Content, oKey, oVal)
			}
		}
	case yaml.SequenceNode:
		base.Content = append(base.Content, overlay.Content...)
	default:
		base.Value = overlay.Value
		base.Tag = overlay.Tag
	}
}
