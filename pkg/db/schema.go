package db

// Schema defines the SQLite schema for the run ledger. Each invocation of
// the builder records one row, updated as the workflow advances.
const Schema = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    mode TEXT NOT NULL CHECK(mode IN ('build', 'package')),
    version TEXT NOT NULL,
    instance_type TEXT NOT NULL,
    base_image_id TEXT,
    instance_id TEXT,
    public_ip TEXT,
    instance_state TEXT,
    output_image_name TEXT,
    output_image_id TEXT,
    artifact_path TEXT,
    artifact_sha256 TEXT,
    artifact_uri TEXT,
    exit_status INTEGER,
    status TEXT NOT NULL CHECK(status IN ('pending', 'provisioning', 'building', 'packaging', 'succeeded', 'failed')),
    error_message TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_instance_state ON runs(instance_state);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);
`

// Run status constants
const (
	StatusPending      = "pending"
	StatusProvisioning = "provisioning"
	StatusBuilding     = "building"
	StatusPackaging    = "packaging"
	StatusSucceeded    = "succeeded"
	StatusFailed       = "failed"
)

// Instance state constants. An instance is "retained" when the run finished
// with termination disabled.
const (
	InstanceRunning    = "running"
	InstanceTerminated = "terminated"
	InstanceRetained   = "retained"
)

// Run represents one builder invocation
type Run struct {
	ID              string
	Mode            string
	Version         string
	InstanceType    string
	BaseImageID     string
	InstanceID      string
	PublicIP        string
	InstanceState   string
	OutputImageName string
	OutputImageID   string
	ArtifactPath    string
	ArtifactSHA256  string
	ArtifactURI     string
	ExitStatus      int
	Status          string
	ErrorMessage    string
	CreatedAt       string
	UpdatedAt       string
}
