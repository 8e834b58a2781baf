package fsm

// Build modes
const (
	ModeBuild   = "build"
	ModePackage = "package"
)

// BuildRequest is the FSM input. It is fixed for the lifetime of a run.
type BuildRequest struct {
	RunID           string
	Mode            string
	Version         string
	InstanceType    string
	OutputImageName string
	Terminate       bool
}

// BuildResponse is the FSM output (accumulated across transitions)
type BuildResponse struct {
	// From ResolveImage
	BaseImageID string

	// From ProvisionInstance
	InstanceID string
	PublicIP   string

	// From Build
	ExitStatus int

	// From DownloadArtifact
	ArtifactPath   string
	ArtifactSHA256 string
	ArtifactURI    string

	// From PublishImage
	ImageID string

	// From Terminate/Finish
	Status       string
	ErrorMessage string
}

// State names
const (
	StateResolveImage      = "resolve_image"
	StateProvisionInstance = "provision_instance"
	StateConnect           = "connect"
	StateBuild             = "build"
	StateDownloadArtifact  = "download_artifact"
	StatePublishImage      = "publish_image"
	StateTerminate         = "terminate"
	StateDone              = "done"
)
