package relay

import (
	"sync"

	"redline/api/internal/annotation"
)

// AnnotationChange is the payload of an annotation-change event.
type AnnotationChange struct {
	User       string                `json:"user"`
	Topic      string                `json:"topic"`
	Annotation annotation.Annotation `json:"annotation"`
}

// TopicReviewUpdate is the payload of a topic-review-update event, sent
// when a topic is marked for review or its mark changes state.
type TopicReviewUpdate struct {
	User   string `json:"user"`
	Topic  string `json:"topic"`
	Marked bool   `json:"marked"`
}

// ChangeMonitor counts annotation changes made by others in the topic the
// viewer is looking at. The view is never updated in place: the count grows
// until the viewer refreshes, which resets it.
type ChangeMonitor struct {
	mu     sync.Mutex
	user   string
	topic  string
	unseen int
}

func NewChangeMonitor(user, topic string) *ChangeMonitor {
	return &ChangeMonitor{user: user, topic: topic}
}

// Observe feeds one change notice into the monitor. Changes by the viewer
// themselves and changes in other topics are ignored.
func (m *ChangeMonitor) Observe(ch AnnotationChange) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch.User == m.user || ch.Topic != m.topic {
		return
	}
	m.unseen++
}

// Topic returns the topic the monitor is currently watching.
func (m *ChangeMonitor) Topic() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.topic
}

// Unseen returns the number of changes pending a refresh.
func (m *ChangeMonitor) Unseen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unseen
}

// Refresh resets the counter and returns how many changes it covered.
func (m *ChangeMonitor) Refresh() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.unseen
	m.unseen = 0
	return n
}

// SwitchTopic moves the monitor to another topic, discarding the count.
func (m *ChangeMonitor) SwitchTopic(topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.topic = topic
	m.unseen = 0
}
