package runtime

// Event describes a committed transition for downstream consumers.
type Event struct {
	ID            string
	RoutingKey    string
	AggregateType string
	AggregateID   string
	Payload       any
}
