package lifecycle

// Layer describes the architectural slice a service belongs to: the ingest
// HTTP surface, the queue store, the pipeline driver, or the GPU client.
type Layer string

const (
	LayerIngress Layer = "ingress"
	LayerQueue   Layer = "queue"
	LayerEngine  Layer = "engine"
	LayerClient  Layer = "client"
)

// Descriptor advertises a service's placement. It is optional and does not
// change runtime behavior; Manager.Descriptors lists the descriptors of the
// registered services that provide one.
type Descriptor struct {
	Name   string
	Layer  Layer
}
