package deploy

import "sync"

type ResourceKind string

const (
	ResInstance      ResourceKind = "instance"
	ResSecurityGroup ResourceKind = "security-group"
	ResObject        ResourceKind = "object"
	ResBucket        ResourceKind = "bucket"
	ResBuildProject  ResourceKind = "build-project"
)

// Resource is one ephemeral provider resource created during a run.
// For objects, ID is the bucket and Extra the key.
type Resource struct {
	Kind  ResourceKind
	ID    string
	Extra string
}

// Resources tracks everything a run creates so the cleanup manager can tear
// it all down, even when a phase fails halfway through.
type Resources struct {
	mu    sync.Mutex
	items []Resource
}

func NewResources() *Resources {
	return &Resources{}
}

func (r *Resources) add(res Resource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, res)
}

func (r *Resources) AddInstance(id string) { r.add(Resource{Kind: ResInstance, ID: id}) }

func (r *Resources) AddSecurityGroup(id string) { r.add(Resource{Kind: ResSecurityGroup, ID: id}) }

func (r *Resources) AddObject(bucket, key string) {
	r.add(Resource{Kind: ResObject, ID: bucket, Extra: key})
}

func (r *Resources) AddBucket(name string) { r.add(Resource{Kind: ResBucket, ID: name}) }

func (r *Resources) AddBuildProject(name string) { r.add(Resource{Kind: ResBuildProject, ID: name}) }

// Remove drops a tracked resource, for phases that tear down their own
// ephemera as soon as the outcome is known.
func (r *Resources) Remove(kind ResourceKind, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.items[:0]
	for _, it := range r.items {
		if it.Kind == kind && it.ID == id {
			continue
		}
		kept = append(kept, it)
	}
	r.items = kept
}

func (r *Resources) Items() []Resource {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Resource, len(r.items))
	copy(out, r.items)
	return out
}
