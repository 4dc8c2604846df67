package constants

const (
	FLOWS_ROOT         = "flows"
	HUNTS_ROOT         = "hunts"
	CLIENTS_ROOT       = "clients"
	NOTIFICATIONS_ROOT = "notifications"
	FOREMAN_ROOT       = "foreman"
	INDEX_QUEUE_ROOT   = "collection_index_queue"
)
