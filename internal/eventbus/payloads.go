package eventbus

import "github.com/elmerfds/trafegodns/internal/model"

// HostnamesDiscovered is published by the discovery layer once per
// poll/event pass.
type HostnamesDiscovered struct {
	Hostnames []string
	Labels    map[string]map[string]string // hostname -> labels
}

// DNSRecordChanged is published for CREATED/UPDATED/DELETED/ORPHANED.
// Adopted distinguishes an imported pre-existing record from one this
// pass actually wrote.
type DNSRecordChanged struct {
	ProviderID   string
	ExternalID   string
	Hostname     string
	Type         model.RecordType
	Adopted      bool
	GraceMinutes int
}

// DNSRecordsUpdated is published once per pass with aggregate stats.
type DNSRecordsUpdated struct {
	Stats     Stats
	Processed []string
}

// Stats mirrors the engine's per-pass counters.
type Stats struct {
	Created  int
	Updated  int
	UpToDate int
	Errors   int
	Skipped  int
	Total    int
}

// ContainerEvent is published for CONTAINER_STARTED|STOPPED|DESTROYED.
type ContainerEvent struct {
	ID     string
	Name   string
	Labels map[string]string
}

// TunnelRouteEvent is published for TUNNEL_ROUTE_CREATED|DELETED.
type TunnelRouteEvent struct {
	TunnelID string
	Hostname string
}

// SettingsChanged is published by the settings store.
type SettingsChanged struct {
	Key             string
	Value           any
	RestartRequired bool
}

// ErrorOccurred is published for errors worth surfacing outside the
// process that raised them.
type ErrorOccurred struct {
	Kind    model.ErrorKind
	Message string
}
