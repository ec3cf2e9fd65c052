// Package offline records mutations made while the device has no
// connectivity, so the sync engine can replay them later.
//
// Each domain keeps its own action tables in the site database. This file
// implements the workshop domain: submission actions, assessments and
// evaluations queued against a workshop.
package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/moodlehq/lmsync/internal/sites"
	"github.com/moodlehq/lmsync/internal/store"
)

// Action is the kind of mutation a queued submission action performs.
type Action string

const (
	ActionAdd    Action = "add"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

const (
	submissionsTable         = "workshop_submissions"
	assessmentsTable         = "workshop_assessments"
	evaluateSubmissionsTable = "workshop_evaluate_submissions"
	evaluateAssessmentsTable = "workshop_evaluate_assessments"
)

// WorkshopSchema defines the offline queue tables for the workshop domain.
var WorkshopSchema = &store.Schema{
	Name:    "addon_mod_workshop_offline",
	Version: 1,
	Tables: []store.Table{
		{
			Name: submissionsTable,
			Columns: []store.Column{
				{Name: "workshopid", Type: "INTEGER", NotNull: true},
				{Name: "submissionid", Type: "INTEGER", NotNull: true},
				{Name: "courseid", Type: "INTEGER", NotNull: true},
				{Name: "action", Type: "TEXT", NotNull: true},
				{Name: "title", Type: "TEXT", NotNull: true, Default: "''"},
				{Name: "content", Type: "TEXT", NotNull: true, Default: "''"},
				{Name: "attachmentsid", Type: "TEXT", NotNull: true, Default: "''"},
				{Name: "timemodified", Type: "INTEGER", NotNull: true},
			},
			UniqueKeys: [][]string{{"workshopid", "submissionid", "action"}},
		},
		{
			Name: assessmentsTable,
			Columns: []store.Column{
				{Name: "workshopid", Type: "INTEGER", NotNull: true},
				{Name: "assessmentid", Type: "INTEGER", NotNull: true},
				{Name: "courseid", Type: "INTEGER", NotNull: true},
				{Name: "inputdata", Type: "TEXT", NotNull: true, Default: "'{}'"},
				{Name: "timemodified", Type: "INTEGER", NotNull: true},
			},
			UniqueKeys: [][]string{{"workshopid", "assessmentid"}},
		},
		{
			Name: evaluateSubmissionsTable,
			Columns: []store.Column{
				{Name: "workshopid", Type: "INTEGER", NotNull: true},
				{Name: "submissionid", Type: "INTEGER", NotNull: true},
				{Name: "courseid", Type: "INTEGER", NotNull: true},
				{Name: "feedbacktext", Type: "TEXT", NotNull: true, Default: "''"},
				{Name: "published", Type: "INTEGER", NotNull: true, Default: "0"},
				{Name: "gradeover", Type: "TEXT", NotNull: true, Default: "''"},
				{Name: "timemodified", Type: "INTEGER", NotNull: true},
			},
			UniqueKeys: [][]string{{"workshopid", "submissionid"}},
		},
		{
			Name: evaluateAssessmentsTable,
			Columns: []store.Column{
				{Name: "workshopid", Type: "INTEGER", NotNull: true},
				{Name: "assessmentid", Type: "INTEGER", NotNull: true},
				{Name: "courseid", Type: "INTEGER", NotNull: true},
				{Name: "feedbacktext", Type: "TEXT", NotNull: true, Default: "''"},
				{Name: "weight", Type: "INTEGER", NotNull: true, Default: "0"},
				{Name: "gradinggradeover", Type: "TEXT", NotNull: true, Default: "''"},
				{Name: "timemodified", Type: "INTEGER", NotNull: true},
			},
			UniqueKeys: [][]string{{"workshopid", "assessmentid"}},
		},
	},
}

// SubmissionAction is one queued mutation of a workshop submission.
// SubmissionID is negative for submissions that do not exist remotely yet
// (the placeholder is replaced by the real id during sync).
type SubmissionAction struct {
	WorkshopID    int64
	SubmissionID  int64
	CourseID      int64
	Action        Action
	Title         string
	Content       string
	AttachmentsID string
	TimeModified  int64
}

// Assessment is a queued update of an assessment's input data.
type Assessment struct {
	WorkshopID   int64
	AssessmentID int64
	CourseID     int64
	InputData    map[string]any
	TimeModified int64
}

// EvaluateSubmission is a queued evaluation of a submission.
type EvaluateSubmission struct {
	WorkshopID   int64
	SubmissionID int64
	CourseID     int64
	FeedbackText string
	Published    bool
	GradeOver    string
	TimeModified int64
}

// EvaluateAssessment is a queued evaluation of an assessment.
type EvaluateAssessment struct {
	WorkshopID       int64
	AssessmentID     int64
	CourseID         int64
	FeedbackText     string
	Weight           int64
	GradingGradeOver string
	TimeModified     int64
}

// Workshop is the offline action store for the workshop domain.
type Workshop struct {
	sites *sites.Registry
}

// NewWorkshop creates the store and registers its schema with the registry.
func NewWorkshop(registry *sites.Registry) *Workshop {
	registry.RegisterSchema(WorkshopSchema)
	return &Workshop{sites: registry}
}

// SaveSubmissionAction queues a submission mutation, replacing a previously
// queued action of the same kind for the same submission.
func (w *Workshop) SaveSubmissionAction(ctx context.Context, siteID string, action *SubmissionAction) error {
	db, err := w.sites.Open(ctx, siteID)
	if err != nil {
		return err
	}

	where := store.Criteria{
		"workshopid":   action.WorkshopID,
		"submissionid": action.SubmissionID,
		"action":       string(action.Action),
	}
	if _, err := db.DeleteRecords(ctx, submissionsTable, where); err != nil {
		return err
	}

	_, err = db.InsertRecord(ctx, submissionsTable, map[string]any{
		"workshopid":    action.WorkshopID,
		"submissionid":  action.SubmissionID,
		"courseid":      action.CourseID,
		"action":        string(action.Action),
		"title":         action.Title,
		"content":       action.Content,
		"attachmentsid": action.AttachmentsID,
		"timemodified":  action.TimeModified,
	})
	return err
}

// Submissions returns the queued submission actions of a workshop in
// ascending modification-time order. A workshop with no queued actions
// yields an empty slice, not an error.
func (w *Workshop) Submissions(ctx context.Context, siteID string, workshopID int64) ([]*SubmissionAction, error) {
	db, err := w.sites.Open(ctx, siteID)
	if err != nil {
		return nil, err
	}

	records, err := db.GetRecords(ctx, submissionsTable,
		store.Criteria{"workshopid": workshopID}, "timemodified ASC")
	if err != nil {
		return nil, err
	}

	actions := make([]*SubmissionAction, 0, len(records))
	for _, record := range records {
		actions = append(actions, parseSubmissionRecord(record))
	}
	return actions, nil
}

// DeleteSubmissionAction removes one queued action of one submission.
// Scoped to the full unique key so consuming a submission's action never
// touches a sibling submission's queue. Removing an action that is not
// queued is not an error.
func (w *Workshop) DeleteSubmissionAction(ctx context.Context, siteID string, workshopID, submissionID int64, action Action) error {
	db, err := w.sites.Open(ctx, siteID)
	if err != nil {
		return err
	}
	_, err = db.DeleteRecords(ctx, submissionsTable, store.Criteria{
		"workshopid":   workshopID,
		"submissionid": submissionID,
		"action":       string(action),
	})
	return err
}

// DeleteAllSubmissionActions clears the whole submission queue of a
// workshop. Used when the queue is discarded after a conflict.
func (w *Workshop) DeleteAllSubmissionActions(ctx context.Context, siteID string, workshopID int64) error {
	db, err := w.sites.Open(ctx, siteID)
	if err != nil {
		return err
	}
	_, err = db.DeleteRecords(ctx, submissionsTable, store.Criteria{"workshopid": workshopID})
	return err
}

// SaveAssessment queues an assessment update, replacing a previous one for
// the same assessment.
func (w *Workshop) SaveAssessment(ctx context.Context, siteID string, assessment *Assessment) error {
	db, err := w.sites.Open(ctx, siteID)
	if err != nil {
		return err
	}

	inputData, err := json.Marshal(assessment.InputData)
	if err != nil {
		return fmt.Errorf("failed to marshal assessment input data: %w", err)
	}

	where := store.Criteria{
		"workshopid":   assessment.WorkshopID,
		"assessmentid": assessment.AssessmentID,
	}
	if _, err := db.DeleteRecords(ctx, assessmentsTable, where); err != nil {
		return err
	}

	_, err = db.InsertRecord(ctx, assessmentsTable, map[string]any{
		"workshopid":   assessment.WorkshopID,
		"assessmentid": assessment.AssessmentID,
		"courseid":     assessment.CourseID,
		"inputdata":    string(inputData),
		"timemodified": assessment.TimeModified,
	})
	return err
}

// Assessments returns the queued assessment updates of a workshop.
func (w *Workshop) Assessments(ctx context.Context, siteID string, workshopID int64) ([]*Assessment, error) {
	db, err := w.sites.Open(ctx, siteID)
	if err != nil {
		return nil, err
	}

	records, err := db.GetRecords(ctx, assessmentsTable,
		store.Criteria{"workshopid": workshopID}, "timemodified ASC")
	if err != nil {
		return nil, err
	}

	assessments := make([]*Assessment, 0, len(records))
	for _, record := range records {
		assessments = append(assessments, parseAssessmentRecord(record))
	}
	return assessments, nil
}

// DeleteAssessment removes a queued assessment update. Idempotent.
func (w *Workshop) DeleteAssessment(ctx context.Context, siteID string, workshopID, assessmentID int64) error {
	db, err := w.sites.Open(ctx, siteID)
	if err != nil {
		return err
	}
	_, err = db.DeleteRecords(ctx, assessmentsTable, store.Criteria{
		"workshopid":   workshopID,
		"assessmentid": assessmentID,
	})
	return err
}

// SaveEvaluateSubmission queues a submission evaluation.
func (w *Workshop) SaveEvaluateSubmission(ctx context.Context, siteID string, evaluate *EvaluateSubmission) error {
	db, err := w.sites.Open(ctx, siteID)
	if err != nil {
		return err
	}

	where := store.Criteria{
		"workshopid":   evaluate.WorkshopID,
		"submissionid": evaluate.SubmissionID,
	}
	if _, err := db.DeleteRecords(ctx, evaluateSubmissionsTable, where); err != nil {
		return err
	}

	_, err = db.InsertRecord(ctx, evaluateSubmissionsTable, map[string]any{
		"workshopid":   evaluate.WorkshopID,
		"submissionid": evaluate.SubmissionID,
		"courseid":     evaluate.CourseID,
		"feedbacktext": evaluate.FeedbackText,
		"published":    boolToInt(evaluate.Published),
		"gradeover":    evaluate.GradeOver,
		"timemodified": evaluate.TimeModified,
	})
	return err
}

// EvaluateSubmissions returns the queued submission evaluations of a
// workshop.
func (w *Workshop) EvaluateSubmissions(ctx context.Context, siteID string, workshopID int64) ([]*EvaluateSubmission, error) {
	db, err := w.sites.Open(ctx, siteID)
	if err != nil {
		return nil, err
	}

	records, err := db.GetRecords(ctx, evaluateSubmissionsTable,
		store.Criteria{"workshopid": workshopID}, "timemodified ASC")
	if err != nil {
		return nil, err
	}

	evaluates := make([]*EvaluateSubmission, 0, len(records))
	for _, record := range records {
		evaluates = append(evaluates, parseEvaluateSubmissionRecord(record))
	}
	return evaluates, nil
}

// DeleteEvaluateSubmission removes a queued submission evaluation.
func (w *Workshop) DeleteEvaluateSubmission(ctx context.Context, siteID string, workshopID, submissionID int64) error {
	db, err := w.sites.Open(ctx, siteID)
	if err != nil {
		return err
	}
	_, err = db.DeleteRecords(ctx, evaluateSubmissionsTable, store.Criteria{
		"workshopid":   workshopID,
		"submissionid": submissionID,
	})
	return err
}

// SaveEvaluateAssessment queues an assessment evaluation.
func (w *Workshop) SaveEvaluateAssessment(ctx context.Context, siteID string, evaluate *EvaluateAssessment) error {
	db, err := w.sites.Open(ctx, siteID)
	if err != nil {
		return err
	}

	where := store.Criteria{
		"workshopid":   evaluate.WorkshopID,
		"assessmentid": evaluate.AssessmentID,
	}
	if _, err := db.DeleteRecords(ctx, evaluateAssessmentsTable, where); err != nil {
		return err
	}

	_, err = db.InsertRecord(ctx, evaluateAssessmentsTable, map[string]any{
		"workshopid":       evaluate.WorkshopID,
		"assessmentid":     evaluate.AssessmentID,
		"courseid":         evaluate.CourseID,
		"feedbacktext":     evaluate.FeedbackText,
		"weight":           evaluate.Weight,
		"gradinggradeover": evaluate.GradingGradeOver,
		"timemodified":     evaluate.TimeModified,
	})
	return err
}

// EvaluateAssessments returns the queued assessment evaluations of a
// workshop.
func (w *Workshop) EvaluateAssessments(ctx context.Context, siteID string, workshopID int64) ([]*EvaluateAssessment, error) {
	db, err := w.sites.Open(ctx, siteID)
	if err != nil {
		return nil, err
	}

	records, err := db.GetRecords(ctx, evaluateAssessmentsTable,
		store.Criteria{"workshopid": workshopID}, "timemodified ASC")
	if err != nil {
		return nil, err
	}

	evaluates := make([]*EvaluateAssessment, 0, len(records))
	for _, record := range records {
		evaluates = append(evaluates, parseEvaluateAssessmentRecord(record))
	}
	return evaluates, nil
}

// DeleteEvaluateAssessment removes a queued assessment evaluation.
func (w *Workshop) DeleteEvaluateAssessment(ctx context.Context, siteID string, workshopID, assessmentID int64) error {
	db, err := w.sites.Open(ctx, siteID)
	if err != nil {
		return err
	}
	_, err = db.DeleteRecords(ctx, evaluateAssessmentsTable, store.Criteria{
		"workshopid":   workshopID,
		"assessmentid": assessmentID,
	})
	return err
}

// AllWorkshops enumerates the distinct workshop ids that have any pending
// offline action. Drives whole-site sync without scanning unrelated
// entities.
func (w *Workshop) AllWorkshops(ctx context.Context, siteID string) ([]int64, error) {
	db, err := w.sites.Open(ctx, siteID)
	if err != nil {
		return nil, err
	}

	seen := make(map[int64]struct{})
	for _, table := range []string{
		submissionsTable, assessmentsTable, evaluateSubmissionsTable, evaluateAssessmentsTable,
	} {
		records, err := db.GetRecords(ctx, table, nil, "")
		if err != nil {
			return nil, err
		}
		for _, record := range records {
			seen[record.Int("workshopid")] = struct{}{}
		}
	}

	ids := make([]int64, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// HasWorkshopOfflineData reports whether a workshop has any pending offline
// action. Store failures are treated as "no data" so callers can use this as
// a fast-path guard.
func (w *Workshop) HasWorkshopOfflineData(ctx context.Context, siteID string, workshopID int64) bool {
	db, err := w.sites.Open(ctx, siteID)
	if err != nil {
		return false
	}

	for _, table := range []string{
		submissionsTable, assessmentsTable, evaluateSubmissionsTable, evaluateAssessmentsTable,
	} {
		count, err := db.CountRecords(ctx, table, store.Criteria{"workshopid": workshopID})
		if err != nil {
			continue
		}
		if count > 0 {
			return true
		}
	}
	return false
}

// SubmissionFolder is the on-disk folder holding the attachments of a queued
// submission action, relative to the site's file area root. The editing flag
// separates "editing an existing submission" drafts from new ones.
func SubmissionFolder(workshopID, submissionID int64, editing bool) string {
	mode := "new"
	if editing {
		mode = "edit"
	}
	return filepath.Join("workshop", fmt.Sprintf("%d", workshopID),
		fmt.Sprintf("%d_%s", submissionID, mode))
}

func parseSubmissionRecord(record store.Record) *SubmissionAction {
	return &SubmissionAction{
		WorkshopID:    record.Int("workshopid"),
		SubmissionID:  record.Int("submissionid"),
		CourseID:      record.Int("courseid"),
		Action:        Action(record.String("action")),
		Title:         record.String("title"),
		Content:       record.String("content"),
		AttachmentsID: record.String("attachmentsid"),
		TimeModified:  record.Int("timemodified"),
	}
}

func parseAssessmentRecord(record store.Record) *Assessment {
	assessment := &Assessment{
		WorkshopID:   record.Int("workshopid"),
		AssessmentID: record.Int("assessmentid"),
		CourseID:     record.Int("courseid"),
		TimeModified: record.Int("timemodified"),
		InputData:    map[string]any{},
	}
	if raw := record.String("inputdata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &assessment.InputData); err != nil {
			// Tolerate rows written by older versions.
			assessment.InputData = map[string]any{}
		}
	}
	return assessment
}

func parseEvaluateSubmissionRecord(record store.Record) *EvaluateSubmission {
	return &EvaluateSubmission{
		WorkshopID:   record.Int("workshopid"),
		SubmissionID: record.Int("submissionid"),
		CourseID:     record.Int("courseid"),
		FeedbackText: record.String("feedbacktext"),
		Published:    record.Int("published") != 0,
		GradeOver:    record.String("gradeover"),
		TimeModified: record.Int("timemodified"),
	}
}

func parseEvaluateAssessmentRecord(record store.Record) *EvaluateAssessment {
	return &EvaluateAssessment{
		WorkshopID:       record.Int("workshopid"),
		AssessmentID:     record.Int("assessmentid"),
		CourseID:         record.Int("courseid"),
		FeedbackText:     record.String("feedbacktext"),
		Weight:           record.Int("weight"),
		GradingGradeOver: record.String("gradinggradeover"),
		TimeModified:     record.Int("timemodified"),
	}
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
