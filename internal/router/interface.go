package router

// Subscriber is the part of a bus handle the router needs.
type Subscriber interface {
	Subscribe(filter string) error
}

// Gate decides which inbound topics carry command requests and where their
// responses go.
type Gate interface {
	Accepts(topic string) bool
	ResponseTopic(requestTopic string) string
}
