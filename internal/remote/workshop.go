package remote

import (
	"context"
	"encoding/json"
	"fmt"
)

// Caller is the RPC surface the typed services are built on. Client
// implements it; tests substitute fakes.
type Caller interface {
	Read(ctx context.Context, method string, params any, cacheKey string) (json.RawMessage, error)
	Write(ctx context.Context, method string, params any) (json.RawMessage, error)
	Invalidate(prefix string)
}

// Workshop is the remote workshop entity, reduced to what sync needs.
type Workshop struct {
	ID       int64  `json:"id"`
	CourseID int64  `json:"course"`
	Name     string `json:"name"`
}

// Submission is a remote submission; TimeModified is the server-side
// modification time.
type Submission struct {
	ID           int64 `json:"id"`
	TimeModified int64 `json:"timemodified"`
}

// Assessment is a remote assessment.
type Assessment struct {
	ID           int64 `json:"id"`
	TimeModified int64 `json:"timemodified"`
}

// WorkshopService exposes the workshop web-service methods used by the sync
// engine.
type WorkshopService struct {
	caller Caller
}

// NewWorkshopService wraps a Caller.
func NewWorkshopService(caller Caller) *WorkshopService {
	return &WorkshopService{caller: caller}
}

// GetWorkshopByID fetches a workshop. Cacheable read.
func (s *WorkshopService) GetWorkshopByID(ctx context.Context, courseID, workshopID int64) (*Workshop, error) {
	params := map[string]any{"courseid": courseID, "workshopid": workshopID}
	cacheKey := fmt.Sprintf("workshop:%d:data", workshopID)

	result, err := s.caller.Read(ctx, "mod_workshop_get_workshop_by_id", params, cacheKey)
	if err != nil {
		return nil, err
	}

	var workshop Workshop
	if err := json.Unmarshal(result, &workshop); err != nil {
		return nil, fmt.Errorf("failed to decode workshop %d: %w", workshopID, err)
	}
	return &workshop, nil
}

// GetSubmission fetches a submission's current remote state. The conflict
// policy reads the modification timestamp from it, so this call is not
// served from cache.
func (s *WorkshopService) GetSubmission(ctx context.Context, workshopID, submissionID int64) (*Submission, error) {
	params := map[string]any{"workshopid": workshopID, "submissionid": submissionID}

	result, err := s.caller.Read(ctx, "mod_workshop_get_submission", params, "")
	if err != nil {
		return nil, err
	}

	var submission Submission
	if err := json.Unmarshal(result, &submission); err != nil {
		return nil, fmt.Errorf("failed to decode submission %d: %w", submissionID, err)
	}
	return &submission, nil
}

// GetAssessment fetches an assessment's current remote state.
func (s *WorkshopService) GetAssessment(ctx context.Context, workshopID, assessmentID int64) (*Assessment, error) {
	params := map[string]any{"workshopid": workshopID, "assessmentid": assessmentID}

	result, err := s.caller.Read(ctx, "mod_workshop_get_assessment", params, "")
	if err != nil {
		return nil, err
	}

	var assessment Assessment
	if err := json.Unmarshal(result, &assessment); err != nil {
		return nil, fmt.Errorf("failed to decode assessment %d: %w", assessmentID, err)
	}
	return &assessment, nil
}

// AddSubmission creates a submission and returns its remote id.
func (s *WorkshopService) AddSubmission(ctx context.Context, workshopID int64, title, content string, attachmentsID int64) (int64, error) {
	params := map[string]any{
		"workshopid":    workshopID,
		"title":         title,
		"content":       content,
		"attachmentsid": attachmentsID,
	}

	result, err := s.caller.Write(ctx, "mod_workshop_add_submission", params)
	if err != nil {
		return 0, err
	}

	var created struct {
		SubmissionID int64 `json:"submissionid"`
	}
	if err := json.Unmarshal(result, &created); err != nil {
		return 0, fmt.Errorf("failed to decode add_submission result: %w", err)
	}
	return created.SubmissionID, nil
}

// UpdateSubmission updates an existing submission.
func (s *WorkshopService) UpdateSubmission(ctx context.Context, submissionID int64, title, content string, attachmentsID int64) error {
	params := map[string]any{
		"submissionid":  submissionID,
		"title":         title,
		"content":       content,
		"attachmentsid": attachmentsID,
	}
	_, err := s.caller.Write(ctx, "mod_workshop_update_submission", params)
	return err
}

// DeleteSubmission deletes a submission.
func (s *WorkshopService) DeleteSubmission(ctx context.Context, submissionID int64) error {
	_, err := s.caller.Write(ctx, "mod_workshop_delete_submission",
		map[string]any{"submissionid": submissionID})
	return err
}

// UpdateAssessment overwrites an assessment's input data.
func (s *WorkshopService) UpdateAssessment(ctx context.Context, assessmentID int64, inputData map[string]any) error {
	params := map[string]any{"assessmentid": assessmentID, "data": inputData}
	_, err := s.caller.Write(ctx, "mod_workshop_update_assessment", params)
	return err
}

// EvaluateSubmission pushes a submission evaluation.
func (s *WorkshopService) EvaluateSubmission(ctx context.Context, submissionID int64, feedbackText string, published bool, gradeOver string) error {
	params := map[string]any{
		"submissionid": submissionID,
		"feedbacktext": feedbackText,
		"published":    published,
		"gradeover":    gradeOver,
	}
	_, err := s.caller.Write(ctx, "mod_workshop_evaluate_submission", params)
	return err
}

// EvaluateAssessment pushes an assessment evaluation.
func (s *WorkshopService) EvaluateAssessment(ctx context.Context, assessmentID int64, feedbackText string, weight int64, gradingGradeOver string) error {
	params := map[string]any{
		"assessmentid":     assessmentID,
		"feedbacktext":     feedbackText,
		"weight":           weight,
		"gradinggradeover": gradingGradeOver,
	}
	_, err := s.caller.Write(ctx, "mod_workshop_evaluate_assessment", params)
	return err
}

// InvalidateContent drops cached reads of a workshop after its remote state
// changed.
func (s *WorkshopService) InvalidateContent(workshopID int64) {
	s.caller.Invalidate(fmt.Sprintf("workshop:%d:", workshopID))
}
