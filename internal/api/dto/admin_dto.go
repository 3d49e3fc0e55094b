package dto

// RolePermissionsRequest replaces a role's permission set.
type RolePermissionsRequest struct {
	Permissions []string `json:"permissions" validate:"required,max=256,dive,required,max=128"`
}

// RoleResponse lists one role.
type RoleResponse struct {
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
}

// UploadedFilesLocal is the fiber locals key holding the []UploadedFile
// accepted by the upload guard.
const UploadedFilesLocal = "uploaded_files"

// UploadedFile describes a file accepted by the upload guard.
type UploadedFile struct {
	Field       string `json:"field"`
	Filename    string `json:"filename"`
	Size        int64  `json:"size"`
	ContentType string `json:"contentType"`
}
