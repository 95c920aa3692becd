package schemas

import "fmt"

// DefaultBucket is the resources bucket used when none is named.
const DefaultBucket = "default"

// Resource is one named resource handed to runners, such as an LLM endpoint
// or a prompt template. Unused fields are omitted.
type Resource struct {
	ResourceType       string         `json:"resource_type"`
	Endpoint           string         `json:"endpoint,omitempty"`
	Model              string         `json:"model,omitempty"`
	APIKey             string         `json:"api_key,omitempty"`
	SamplingParameters map[string]any `json:"sampling_parameters,omitempty"`
	Template           string         `json:"template,omitempty"`
	Engine             string         `json:"engine,omitempty"`
	Extra              map[string]any `json:"extra,omitempty"`
}

type NamedResources map[string]Resource

// ResourcesUpdate is an immutable snapshot of a bucket's resources.
type ResourcesUpdate struct {
	ResourcesID string         `json:"resources_id"`
	Bucket      string         `json:"bucket"`
	Version     int64          `json:"version"`
	CreateTime  float64        `json:"create_time"`
	Resources   NamedResources `json:"resources"`
}

// ResourcesID derives the id of the given bucket version.
func ResourcesID(bucket string, version int64) string {
	return fmt.Sprintf("%s-v%d", bucket, version)
}

func (r ResourcesUpdate) DocumentKey() string  { return r.ResourcesID }
func (r ResourcesUpdate) PartitionKey() string { return r.Bucket }

func (r ResourcesUpdate) Field(name string) any {
	switch name {
	case "resources_id":
		return r.ResourcesID
	case "bucket":
		return r.Bucket
	case "version":
		return r.Version
	}
	return nil
}
