package protocol

// Request naming an image, used by [CmdImageAvailable], [CmdImageFetch],
// and [CmdRoleStart].
type ImageRequest struct {
	Image string `json:"image"` // Image reference, e.g. "ubuntu" or "registry.example.com/app:1.2".
}

// Request naming a role, used by [CmdRoleStop] and [CmdRoleDestroy].
type RoleRequest struct {
	Role string `json:"role"` // Container ID, name, or unambiguous ID prefix.
}

// Result of [CmdImages].
type ImagesResult struct {
	Images []string `json:"images"`
}

// Result of [CmdImageAvailable].
type AvailableResult struct {
	Image     string `json:"image"`     // Normalized image reference.
	Available bool   `json:"available"` // Whether the image is present locally.
}

// A role container.
type Role struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Image string `json:"image"` // Engine ID of the role's image.
	State string `json:"state"` // Lifecycle state, e.g. "running".
}

// Result of [CmdRoleList].
type RolesResult struct {
	Roles []Role `json:"roles"`
}

// An engine image with its tags and containers.
type ImageState struct {
	ID         string   `json:"id"`
	Tags       []string `json:"tags"`
	Containers []Role   `json:"containers"`
}

// Result of [CmdState].
type StateResult struct {
	Images []ImageState `json:"images"`
}

// Result of [CmdStatus].
type StatusResult struct {
	Running bool   `json:"running"`
	Version string `json:"version"`
	Pid     int    `json:"pid"`
	Uptime  string `json:"uptime"`
	Backend string `json:"backend"` // Engine backend, "docker" or "containerd".
	Roles   int    `json:"roles"`   // Number of roles currently managed.
}

// Payload of [CmdError].
type ErrorResult struct {
	Message string `json:"message"`
}
