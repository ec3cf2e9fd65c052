// Package sync reconciles offline action queues with the remote LMS.
//
// The engine runs the same cycle for every entity that has pending offline
// data: check the advisory block, fetch the entity's remote state, compare
// timestamps, then either replay the queued actions in order or discard the
// queue with a warning. Connectivity failures abort the entity's sync and
// leave its queue untouched; explicit server rejections discard the
// offending action and keep going.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/moodlehq/lmsync/internal/events"
	"github.com/moodlehq/lmsync/internal/offline"
	"github.com/moodlehq/lmsync/internal/remote"
	"github.com/moodlehq/lmsync/internal/sites"
)

// WorkshopComponent identifies the workshop domain in block keys, sync time
// records and events.
const WorkshopComponent = "mod_workshop"

// DefaultMinInterval is how long automatic sync waits before re-syncing the
// same workshop. Manual sync ignores it.
const DefaultMinInterval = 5 * time.Minute

const (
	warningSubmissionModified = "The submission has been modified on the site since it was edited on this device."
	warningAssessmentModified = "The assessment has been modified on the site since it was edited on this device."
)

// Result is the outcome of one workshop sync. Updated is true when anything
// changed locally or remotely, including discards. Warnings describe
// discarded offline data; they are reported to the user, never silently
// dropped.
type Result struct {
	Warnings []string
	Updated  bool
}

// AutoSyncData is the payload of the WorkshopAutoSynced event.
type AutoSyncData struct {
	WorkshopID int64
	Warnings   []string
}

// WorkshopRemote is the slice of the remote workshop service the engine
// needs. remote.WorkshopService implements it.
type WorkshopRemote interface {
	GetWorkshopByID(ctx context.Context, courseID, workshopID int64) (*remote.Workshop, error)
	GetSubmission(ctx context.Context, workshopID, submissionID int64) (*remote.Submission, error)
	GetAssessment(ctx context.Context, workshopID, assessmentID int64) (*remote.Assessment, error)
	AddSubmission(ctx context.Context, workshopID int64, title, content string, attachmentsID int64) (int64, error)
	UpdateSubmission(ctx context.Context, submissionID int64, title, content string, attachmentsID int64) error
	DeleteSubmission(ctx context.Context, submissionID int64) error
	UpdateAssessment(ctx context.Context, assessmentID int64, inputData map[string]any) error
	EvaluateSubmission(ctx context.Context, submissionID int64, feedbackText string, published bool, gradeOver string) error
	EvaluateAssessment(ctx context.Context, assessmentID int64, feedbackText string, weight int64, gradingGradeOver string) error
	InvalidateContent(workshopID int64)
}

// Uploader pushes draft attachments to the server before the action that
// references them is replayed. filearea.Manager implements it.
type Uploader interface {
	UploadDraft(ctx context.Context, draftRef string) (int64, error)
	ClearFolder(folder string) error
}

// WorkshopSyncerConfig wires the engine's collaborators.
type WorkshopSyncerConfig struct {
	Sites    *sites.Registry
	Offline  *offline.Workshop
	Remote   WorkshopRemote
	Uploader Uploader
	Network  remote.Network
	Blocks   *Blocks
	Times    *Times
	Bus      *events.Bus
	Logger   zerolog.Logger

	// MinInterval overrides DefaultMinInterval when positive.
	MinInterval time.Duration
	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// WorkshopSyncer drives the fetch-compare-apply-cleanup cycle for the
// workshop domain.
type WorkshopSyncer struct {
	sites    *sites.Registry
	offline  *offline.Workshop
	remote   WorkshopRemote
	uploader Uploader
	network  remote.Network
	blocks   *Blocks
	times    *Times
	bus      *events.Bus
	log      zerolog.Logger

	minInterval time.Duration
	clock       func() time.Time
	group       singleflight.Group
}

// NewWorkshopSyncer creates the engine.
func NewWorkshopSyncer(cfg WorkshopSyncerConfig) *WorkshopSyncer {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = DefaultMinInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &WorkshopSyncer{
		sites:       cfg.Sites,
		offline:     cfg.Offline,
		remote:      cfg.Remote,
		uploader:    cfg.Uploader,
		network:     cfg.Network,
		blocks:      cfg.Blocks,
		times:       cfg.Times,
		bus:         cfg.Bus,
		log:         cfg.Logger.With().Str("component", "sync").Logger(),
		minInterval: cfg.MinInterval,
		clock:       cfg.Clock,
	}
}

// HasDataToSync reports whether a workshop has pending offline actions.
func (s *WorkshopSyncer) HasDataToSync(ctx context.Context, siteID string, workshopID int64) bool {
	return s.offline.HasWorkshopOfflineData(ctx, siteID, workshopID)
}

// SyncWorkshopIfNeeded syncs a workshop only when the minimum interval has
// elapsed since its last successful sync (or it has never synced). Returns
// (nil, nil) when no sync was needed. This is the entry point for automatic
// background triggers; manual sync calls SyncWorkshop directly.
func (s *WorkshopSyncer) SyncWorkshopIfNeeded(ctx context.Context, siteID string, workshopID int64) (*Result, error) {
	last, err := s.times.LastSync(ctx, WorkshopComponent, workshopID, siteID)
	if err != nil {
		return nil, err
	}
	if !last.IsZero() && s.clock().Sub(last) < s.minInterval {
		return nil, nil
	}
	return s.SyncWorkshop(ctx, siteID, workshopID)
}

// SyncWorkshop synchronizes one workshop's offline queue with the server.
//
// Concurrent calls for the same (workshop, site) share a single in-flight
// sync and receive its result. This guards sync-vs-sync races; the block
// registry separately guards edit-vs-sync races and makes this call fail
// fast with BlockedError while an edit holds the entity.
func (s *WorkshopSyncer) SyncWorkshop(ctx context.Context, siteID string, workshopID int64) (*Result, error) {
	key := blockKey(WorkshopComponent, workshopID, siteID)

	v, err, _ := s.group.Do(key, func() (any, error) {
		if s.blocks.IsBlocked(WorkshopComponent, workshopID, siteID) {
			s.log.Debug().Int64("workshop", workshopID).Str("site", siteID).
				Msg("skipping sync, workshop is blocked")
			return nil, &BlockedError{Component: WorkshopComponent, ID: workshopID, SiteID: siteID}
		}

		s.log.Debug().Int64("workshop", workshopID).Str("site", siteID).Msg("syncing workshop")
		return s.performSync(ctx, siteID, workshopID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

// SyncAllWorkshops syncs every workshop with pending offline data, on one
// site or (siteID "") on all known sites. Per-entity failures are logged and
// never abort sibling entities. One WorkshopAutoSynced event is emitted per
// workshop that actually changed.
func (s *WorkshopSyncer) SyncAllWorkshops(ctx context.Context, siteID string, force bool) error {
	siteIDs := []string{siteID}
	if siteID == "" {
		var err error
		siteIDs, err = s.sites.SiteIDs()
		if err != nil {
			return err
		}
	}

	for _, sid := range siteIDs {
		workshopIDs, err := s.offline.AllWorkshops(ctx, sid)
		if err != nil {
			return fmt.Errorf("failed to enumerate workshops for site %s: %w", sid, err)
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(4)
		for _, workshopID := range workshopIDs {
			workshopID := workshopID
			sid := sid
			g.Go(func() error {
				var result *Result
				var syncErr error
				if force {
					result, syncErr = s.SyncWorkshop(gctx, sid, workshopID)
				} else {
					result, syncErr = s.SyncWorkshopIfNeeded(gctx, sid, workshopID)
				}

				if syncErr != nil {
					var blocked *BlockedError
					if errors.As(syncErr, &blocked) {
						s.log.Debug().Int64("workshop", workshopID).Str("site", sid).
							Msg("workshop blocked, will retry later")
					} else {
						s.log.Warn().Err(syncErr).Int64("workshop", workshopID).Str("site", sid).
							Msg("workshop sync failed")
					}
					return nil
				}

				if result != nil && result.Updated {
					s.bus.Trigger(events.WorkshopAutoSynced, sid, AutoSyncData{
						WorkshopID: workshopID,
						Warnings:   result.Warnings,
					})
				}
				return nil
			})
		}
		_ = g.Wait()
	}
	return nil
}

// performSync is the per-workshop state machine.
func (s *WorkshopSyncer) performSync(ctx context.Context, siteID string, workshopID int64) (*Result, error) {
	result := &Result{Warnings: []string{}}

	// Store misses are recovered here: an unreadable queue is an empty one.
	submissions := ignoreErrors(s.offline.Submissions(ctx, siteID, workshopID))
	assessments := ignoreErrors(s.offline.Assessments(ctx, siteID, workshopID))
	evalSubmissions := ignoreErrors(s.offline.EvaluateSubmissions(ctx, siteID, workshopID))
	evalAssessments := ignoreErrors(s.offline.EvaluateAssessments(ctx, siteID, workshopID))

	courseID := firstCourseID(submissions, assessments, evalSubmissions, evalAssessments)
	if courseID == 0 {
		// Nothing queued. Record the sync time and finish.
		s.setSyncTime(ctx, workshopID, siteID)
		return result, nil
	}

	if !s.network.IsOnline() {
		return nil, &remote.ConnectivityError{Err: errors.New("device is offline")}
	}

	workshop, err := s.remote.GetWorkshopByID(ctx, courseID, workshopID)
	if err != nil {
		return nil, err
	}

	for _, actions := range groupSubmissionActions(submissions) {
		if err := s.syncSubmission(ctx, siteID, workshop, actions, result); err != nil {
			return nil, err
		}
	}

	for _, assessment := range assessments {
		if err := s.syncAssessment(ctx, siteID, workshop, assessment, result); err != nil {
			return nil, err
		}
	}

	for _, evaluate := range evalSubmissions {
		if err := s.syncEvaluateSubmission(ctx, siteID, workshop, evaluate, result); err != nil {
			return nil, err
		}
	}

	for _, evaluate := range evalAssessments {
		if err := s.syncEvaluateAssessment(ctx, siteID, workshop, evaluate, result); err != nil {
			return nil, err
		}
	}

	if result.Updated {
		s.remote.InvalidateContent(workshopID)
	}

	s.setSyncTime(ctx, workshopID, siteID)
	return result, nil
}

// syncSubmission replays one submission's queued actions in timestamp
// order. If the first action targets an existing submission, the remote
// modification time decides apply-vs-discard first.
func (s *WorkshopSyncer) syncSubmission(
	ctx context.Context,
	siteID string,
	workshop *remote.Workshop,
	actions []*offline.SubmissionAction,
	result *Result,
) error {
	sort.SliceStable(actions, func(i, j int) bool {
		return actions[i].TimeModified < actions[j].TimeModified
	})

	submissionID := actions[0].SubmissionID

	var timeModified int64
	if submissionID > 0 {
		// Editing an existing submission: fetch its remote timestamp. Any
		// fetch failure means "unknown or deleted remotely" and is encoded
		// as -1, which always discards below.
		submission, err := s.remote.GetSubmission(ctx, workshop.ID, submissionID)
		if err != nil {
			timeModified = -1
		} else {
			timeModified = submission.TimeModified
		}
	}

	if timeModified < 0 || timeModified >= actions[0].TimeModified {
		// The remote copy is gone or was modified after the offline edit.
		// Drop the whole queue for this submission and tell the user.
		result.Updated = true
		if err := s.offline.DeleteAllSubmissionActions(ctx, siteID, workshop.ID); err != nil {
			return err
		}
		s.addDeletedWarning(result, workshop.Name, warningSubmissionModified)
		return nil
	}

	var discardReason string

	for _, action := range actions {
		if action.SubmissionID > 0 {
			submissionID = action.SubmissionID
		}

		skipCall := false
		var attachmentsID int64
		if action.AttachmentsID != "" {
			uploaded, err := s.uploader.UploadDraft(ctx, action.AttachmentsID)
			if err != nil {
				if !remote.IsWebServiceError(err) {
					return err
				}
				discardReason = err.Error()
				skipCall = true
			} else {
				attachmentsID = uploaded
			}
		}

		if !skipCall {
			var callErr error
			switch action.Action {
			case offline.ActionAdd:
				newID, err := s.remote.AddSubmission(ctx, workshop.ID, action.Title, action.Content, attachmentsID)
				if err == nil {
					// Later queued actions on this submission reuse the id
					// the server just assigned.
					submissionID = newID
				}
				callErr = err
			case offline.ActionUpdate:
				callErr = s.remote.UpdateSubmission(ctx, submissionID, action.Title, action.Content, attachmentsID)
			case offline.ActionDelete:
				callErr = s.remote.DeleteSubmission(ctx, submissionID)
			default:
				callErr = fmt.Errorf("unknown submission action %q", action.Action)
			}

			if callErr != nil {
				if !remote.IsWebServiceError(callErr) {
					// Couldn't reach the server: abort and keep the queue for
					// the next attempt.
					return callErr
				}
				discardReason = callErr.Error()
			}
		}

		// Applied or explicitly rejected: either way this action is consumed.
		// Deleted under the id the action was stored with, not the propagated
		// server id, so sibling submissions' queues stay intact.
		result.Updated = true
		if err := s.offline.DeleteSubmissionAction(ctx, siteID, action.WorkshopID, action.SubmissionID, action.Action); err != nil {
			return err
		}
		if action.Action != offline.ActionDelete && action.AttachmentsID != "" {
			if err := s.uploader.ClearFolder(action.AttachmentsID); err != nil {
				s.log.Warn().Err(err).Str("draft", action.AttachmentsID).
					Msg("failed to clear stored attachment draft")
			}
		}
	}

	if discardReason != "" {
		s.addDeletedWarning(result, workshop.Name, discardReason)
	}
	return nil
}

func (s *WorkshopSyncer) syncAssessment(
	ctx context.Context,
	siteID string,
	workshop *remote.Workshop,
	assessment *offline.Assessment,
	result *Result,
) error {
	var timeModified int64
	remoteAssessment, err := s.remote.GetAssessment(ctx, workshop.ID, assessment.AssessmentID)
	if err != nil {
		timeModified = -1
	} else {
		timeModified = remoteAssessment.TimeModified
	}

	if timeModified < 0 || timeModified >= assessment.TimeModified {
		result.Updated = true
		if err := s.offline.DeleteAssessment(ctx, siteID, workshop.ID, assessment.AssessmentID); err != nil {
			return err
		}
		s.addDeletedWarning(result, workshop.Name, warningAssessmentModified)
		return nil
	}

	var discardReason string

	inputData := assessment.InputData
	if draftRef, ok := inputData["feedbackauthorattachmentsid"].(string); ok && draftRef != "" {
		uploaded, err := s.uploader.UploadDraft(ctx, draftRef)
		if err != nil {
			if !remote.IsWebServiceError(err) {
				return err
			}
			discardReason = err.Error()
		} else {
			inputData["feedbackauthorattachmentsid"] = uploaded
		}
	}

	if discardReason == "" {
		if err := s.remote.UpdateAssessment(ctx, assessment.AssessmentID, inputData); err != nil {
			if !remote.IsWebServiceError(err) {
				return err
			}
			discardReason = err.Error()
		}
	}

	result.Updated = true
	if err := s.offline.DeleteAssessment(ctx, siteID, workshop.ID, assessment.AssessmentID); err != nil {
		return err
	}

	if discardReason != "" {
		s.addDeletedWarning(result, workshop.Name, discardReason)
	}
	return nil
}

func (s *WorkshopSyncer) syncEvaluateSubmission(
	ctx context.Context,
	siteID string,
	workshop *remote.Workshop,
	evaluate *offline.EvaluateSubmission,
	result *Result,
) error {
	var timeModified int64
	submission, err := s.remote.GetSubmission(ctx, workshop.ID, evaluate.SubmissionID)
	if err != nil {
		timeModified = -1
	} else {
		timeModified = submission.TimeModified
	}

	if timeModified < 0 || timeModified >= evaluate.TimeModified {
		result.Updated = true
		if err := s.offline.DeleteEvaluateSubmission(ctx, siteID, workshop.ID, evaluate.SubmissionID); err != nil {
			return err
		}
		s.addDeletedWarning(result, workshop.Name, warningSubmissionModified)
		return nil
	}

	var discardReason string
	if err := s.remote.EvaluateSubmission(ctx, evaluate.SubmissionID,
		evaluate.FeedbackText, evaluate.Published, evaluate.GradeOver); err != nil {
		if !remote.IsWebServiceError(err) {
			return err
		}
		discardReason = err.Error()
	}

	result.Updated = true
	if err := s.offline.DeleteEvaluateSubmission(ctx, siteID, workshop.ID, evaluate.SubmissionID); err != nil {
		return err
	}

	if discardReason != "" {
		s.addDeletedWarning(result, workshop.Name, discardReason)
	}
	return nil
}

func (s *WorkshopSyncer) syncEvaluateAssessment(
	ctx context.Context,
	siteID string,
	workshop *remote.Workshop,
	evaluate *offline.EvaluateAssessment,
	result *Result,
) error {
	var timeModified int64
	assessment, err := s.remote.GetAssessment(ctx, workshop.ID, evaluate.AssessmentID)
	if err != nil {
		timeModified = -1
	} else {
		timeModified = assessment.TimeModified
	}

	if timeModified < 0 || timeModified >= evaluate.TimeModified {
		result.Updated = true
		if err := s.offline.DeleteEvaluateAssessment(ctx, siteID, workshop.ID, evaluate.AssessmentID); err != nil {
			return err
		}
		s.addDeletedWarning(result, workshop.Name, warningAssessmentModified)
		return nil
	}

	var discardReason string
	if err := s.remote.EvaluateAssessment(ctx, evaluate.AssessmentID,
		evaluate.FeedbackText, evaluate.Weight, evaluate.GradingGradeOver); err != nil {
		if !remote.IsWebServiceError(err) {
			return err
		}
		discardReason = err.Error()
	}

	result.Updated = true
	if err := s.offline.DeleteEvaluateAssessment(ctx, siteID, workshop.ID, evaluate.AssessmentID); err != nil {
		return err
	}

	if discardReason != "" {
		s.addDeletedWarning(result, workshop.Name, discardReason)
	}
	return nil
}

// addDeletedWarning reports discarded offline data to the user.
func (s *WorkshopSyncer) addDeletedWarning(result *Result, workshopName, reason string) {
	result.Warnings = append(result.Warnings,
		fmt.Sprintf("Workshop '%s': offline data deleted. %s", workshopName, reason))
}

// setSyncTime records a completed sync pass. Bookkeeping only: a failure
// here must not fail the sync.
func (s *WorkshopSyncer) setSyncTime(ctx context.Context, workshopID int64, siteID string) {
	if err := s.times.SetLastSync(ctx, WorkshopComponent, workshopID, siteID, s.clock()); err != nil {
		s.log.Warn().Err(err).Int64("workshop", workshopID).Msg("failed to record sync time")
	}
}

// groupSubmissionActions groups queued actions by submission, keeping the
// submissions in the order their first action appears.
func groupSubmissionActions(actions []*offline.SubmissionAction) [][]*offline.SubmissionAction {
	index := make(map[int64]int)
	var groups [][]*offline.SubmissionAction
	for _, action := range actions {
		i, ok := index[action.SubmissionID]
		if !ok {
			i = len(groups)
			index[action.SubmissionID] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], action)
	}
	return groups
}

// firstCourseID finds the course id carried by any queued record; every
// offline record stores it so the workshop can be fetched without a local
// course cache.
func firstCourseID(
	submissions []*offline.SubmissionAction,
	assessments []*offline.Assessment,
	evalSubmissions []*offline.EvaluateSubmission,
	evalAssessments []*offline.EvaluateAssessment,
) int64 {
	for _, a := range submissions {
		if a.CourseID > 0 {
			return a.CourseID
		}
	}
	for _, a := range assessments {
		if a.CourseID > 0 {
			return a.CourseID
		}
	}
	for _, a := range evalSubmissions {
		if a.CourseID > 0 {
			return a.CourseID
		}
	}
	for _, a := range evalAssessments {
		if a.CourseID > 0 {
			return a.CourseID
		}
	}
	return 0
}

func ignoreErrors[T any](items []T, err error) []T {
	if err != nil {
		return nil
	}
	return items
}
