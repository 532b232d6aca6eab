package models

// UsageCounters tracks cloud object-store operations against self-imposed
// monthly free-tier quotas. Class A covers write-type calls (put, multipart,
// delete), Class B covers read-type calls (get, head).
//
// BytesTransited is cumulative flow, not resident storage: objects are removed
// from the cloud right after ingest, so steady-state storage stays near zero.
type UsageCounters struct {
	Period         string `json:"month"`
	ClassAOps      int64  `json:"requests_class_a"`
	ClassBOps      int64  `json:"requests_class_b"`
	BytesTransited int64  `json:"storage_bytes_approx"`
}
