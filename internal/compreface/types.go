package compreface

// Wire types for the CompreFace REST API.

// BoundingBox locates a face in pixel coordinates.
type BoundingBox struct {
	XMin        int     `json:"x_min"`
	YMin        int     `json:"y_min"`
	XMax        int     `json:"x_max"`
	YMax        int     `json:"y_max"`
	Probability float64 `json:"probability"`
}

// Gender is the gender classification plugin output.
type Gender struct {
	Value       string  `json:"value"`
	Probability float64 `json:"probability"`
}

// AgeRange is the age estimation plugin output.
type AgeRange struct {
	Low         int     `json:"low"`
	High        int     `json:"high"`
	Probability float64 `json:"probability"`
}

// Pose is the head pose estimation plugin output, in degrees.
type Pose struct {
	Pitch float64 `json:"pitch"`
	Roll  float64 `json:"roll"`
	Yaw   float64 `json:"yaw"`
}

// FaceDetection is a single detected face.
type FaceDetection struct {
	Box       BoundingBox `json:"box"`
	Gender    Gender      `json:"gender"`
	Age       AgeRange    `json:"age"`
	Pose      *Pose       `json:"pose,omitempty"`
	Landmarks [][]int     `json:"landmarks,omitempty"`
	Embedding []float64   `json:"embedding,omitempty"`
}

// DetectionResponse is the body of POST /api/v1/detection/detect.
type DetectionResponse struct {
	Result          []FaceDetection   `json:"result"`
	PluginsVersions map[string]string `json:"plugins_versions,omitempty"`
}

// SubjectMatch is a candidate identity for a recognized face.
type SubjectMatch struct {
	Subject    string  `json:"subject"`
	Similarity float64 `json:"similarity"`
}

// RecognitionResult is the recognition output for a single face.
type RecognitionResult struct {
	Box      BoundingBox    `json:"box"`
	Subjects []SubjectMatch `json:"subjects"`
	Gender   Gender         `json:"gender"`
	Age      AgeRange       `json:"age"`
	Pose     *Pose          `json:"pose,omitempty"`
}

// RecognitionResponse is the body of POST /api/v1/recognition/recognize.
type RecognitionResponse struct {
	Result []RecognitionResult `json:"result"`
}

// FaceMatch is one target face compared against the source face.
type FaceMatch struct {
	Box        BoundingBox `json:"box"`
	Similarity float64     `json:"similarity"`
}

// VerificationResult pairs a source face with its target matches.
type VerificationResult struct {
	SourceFace  BoundingBox `json:"source_image_face"`
	FaceMatches []FaceMatch `json:"face_matches"`
}

// VerificationResponse is the body of POST /api/v1/verification/verify.
type VerificationResponse struct {
	Result []VerificationResult `json:"result"`
}

// AddFaceResponse is the body of POST /api/v1/recognition/faces.
type AddFaceResponse struct {
	ImageID string `json:"image_id"`
	Subject string `json:"subject"`
}

// SubjectListResponse is the body of GET /api/v1/recognition/subjects.
type SubjectListResponse struct {
	Subjects []string `json:"subjects"`
}

// SubjectResponse is the body of subject create/rename calls.
type SubjectResponse struct {
	Subject string `json:"subject"`
}

// FaceListItem is a stored example face of a subject.
type FaceListItem struct {
	ImageID string `json:"image_id"`
	Subject string `json:"subject"`
}

// FaceListResponse is the body of GET /api/v1/recognition/faces.
type FaceListResponse struct {
	Faces []FaceListItem `json:"faces"`
}
