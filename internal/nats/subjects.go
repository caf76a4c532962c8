package nats

import "fmt"

// Subject hierarchy.
//
//	logbackup.region.{kind}        -- region events feeding the operator loop
//	logbackup.scan.request         -- initial scan requests (request/reply)
//	logbackup.events.fatal         -- tasks failed by fatal errors
//	logbackup.events.checkpoint.{task} -- advanced global checkpoints
const (
	StreamName    = "LOGBACKUP"
	SubjectPrefix = "logbackup"

	// KV bucket names
	BucketCheckpoints = "logbackup-checkpoints"
	BucketTasks       = "logbackup-tasks"
)

// RegionEventSubject returns the subject for a region event kind.
// Example: logbackup.region.start
func RegionEventSubject(kind string) string {
	return fmt.Sprintf("%s.region.%s", SubjectPrefix, kind)
}

// RegionEventsAllSubject returns the wildcard subject for all region events.
func RegionEventsAllSubject() string {
	return fmt.Sprintf("%s.region.>", SubjectPrefix)
}

// ScanRequestSubject returns the subject storage nodes serve initial scans on.
func ScanRequestSubject() string {
	return fmt.Sprintf("%s.scan.request", SubjectPrefix)
}

// EventSubject returns a subject for coordinator events.
// Example: logbackup.events.fatal
func EventSubject(eventType string) string {
	return fmt.Sprintf("%s.events.%s", SubjectPrefix, eventType)
}

// FatalEventSubject returns the subject fatal task errors are published on.
func FatalEventSubject() string {
	return EventSubject("fatal")
}

// CheckpointEventSubject returns the subject a task's advanced global
// checkpoints are published on.
// Example: logbackup.events.checkpoint.orders
func CheckpointEventSubject(task string) string {
	return EventSubject("checkpoint." + task)
}

// EventsAllSubject returns the wildcard subject for all events.
func EventsAllSubject() string {
	return fmt.Sprintf("%s.events.>", SubjectPrefix)
}
