package mongo

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/eternahome/conduit"
	"github.com/eternahome/conduit/id"
	"github.com/eternahome/conduit/job"
)

// CreateJob persists a new job in pending state. The partial unique index
// makes the duplicate-active check and the insert a single atomic write.
func (s *Store) CreateJob(ctx context.Context, j *job.Job) error {
	m := toJobModel(j)
	if _, err := s.db.Collection(colJobs).InsertOne(ctx, m); err != nil {
		if isDuplicateKeyOn(err, uniqueActiveIndex) {
			return fmt.Errorf("job for tenant %s resource %q type %s: %w",
				j.TenantID, j.ResourceRef, j.Type, conduit.ErrDuplicateActiveJob)
		}
		return fmt.Errorf("conduit/mongo: create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	var m jobModel
	err := s.db.Collection(colJobs).FindOne(ctx, bson.M{"_id": jobID.String()}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, conduit.ErrJobNotFound
		}
		return nil, fmt.Errorf("conduit/mongo: get job: %w", err)
	}
	return fromJobModel(&m)
}

// TransitionJob atomically moves a job from the expected status to the new
// one. The compare-and-set is a single FindOneAndUpdate guarded on the
// expected status; progress rides a $max so it never decreases.
func (s *Store) TransitionJob(ctx context.Context, jobID id.JobID, from, to job.Status, up job.Update) (*job.Job, error) {
	if err := job.ValidateTransition(from, to); err != nil {
		return nil, err
	}

	set := bson.M{
		"status":     string(to),
		"updated_at": now(),
	}
	if up.Message != nil {
		set["message"] = *up.Message
	}
	if up.ResultRef != nil {
		set["result_ref"] = *up.ResultRef
	}
	if up.AttemptCount != nil {
		set["attempt_count"] = *up.AttemptCount
	}
	if up.ClaimedBy != nil {
		set["claimed_by"] = up.ClaimedBy.String()
	}
	if up.Failure != nil {
		set["failure"] = &failureModel{
			Code:      up.Failure.Code,
			Message:   up.Failure.Message,
			Permanent: up.Failure.Permanent,
			At:        up.Failure.At,
		}
	}

	update := bson.M{"$set": set}
	if up.Progress != nil {
		update["$max"] = bson.M{"progress": *up.Progress}
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var m jobModel
	err := s.db.Collection(colJobs).FindOneAndUpdate(ctx,
		bson.M{"_id": jobID.String(), "status": string(from)},
		update,
		opts,
	).Decode(&m)
	if err == nil {
		return fromJobModel(&m)
	}
	if !isNoDocuments(err) {
		return nil, fmt.Errorf("conduit/mongo: transition job: %w", err)
	}

	// No match: the job is gone, or it is no longer in the expected
	// status. Distinguish for the caller.
	if _, getErr := s.GetJob(ctx, jobID); getErr != nil {
		return nil, getErr
	}
	return nil, fmt.Errorf("job %s not in status %s: %w", jobID, from, conduit.ErrStaleTransition)
}

// ListActiveJobs returns the in-flight jobs for a (tenant, resource, type)
// triple.
func (s *Store) ListActiveJobs(ctx context.Context, tenantID uuid.UUID, resourceRef string, jobType job.Type) ([]*job.Job, error) {
	statuses := job.ActiveStatuses()
	active := make([]string, 0, len(statuses))
	for _, st := range statuses {
		active = append(active, string(st))
	}

	cursor, err := s.db.Collection(colJobs).Find(ctx, bson.M{
		"tenant_id":    tenantID.String(),
		"resource_ref": resourceRef,
		"job_type":     string(jobType),
		"status":       bson.M{"$in": active},
	})
	if err != nil {
		return nil, fmt.Errorf("conduit/mongo: list active jobs: %w", err)
	}
	return collectJobs(ctx, cursor)
}

// ListJobsByStatus returns a tenant's jobs in the given status, oldest
// first.
func (s *Store) ListJobsByStatus(ctx context.Context, tenantID uuid.UUID, status job.Status, opts job.ListOpts) ([]*job.Job, error) {
	findOpts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	if opts.Limit > 0 {
		findOpts.SetLimit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		findOpts.SetSkip(int64(opts.Offset))
	}

	cursor, err := s.db.Collection(colJobs).Find(ctx, bson.M{
		"tenant_id": tenantID.String(),
		"status":    string(status),
	}, findOpts)
	if err != nil {
		return nil, fmt.Errorf("conduit/mongo: list jobs by status: %w", err)
	}
	return collectJobs(ctx, cursor)
}

// CountJobs returns the number of jobs matching the given options.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	filter := bson.M{}
	if opts.TenantID != nil {
		filter["tenant_id"] = opts.TenantID.String()
	}
	if opts.Type != "" {
		filter["job_type"] = string(opts.Type)
	}
	if opts.Status != "" {
		filter["status"] = string(opts.Status)
	}

	count, err := s.db.Collection(colJobs).CountDocuments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("conduit/mongo: count jobs: %w", err)
	}
	return count, nil
}

// DeleteJob removes a terminal job. Active jobs are never deleted; cancel
// first.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID) error {
	terminal := []string{
		string(job.StatusCompleted),
		string(job.StatusFailed),
		string(job.StatusCancelled),
	}

	res, err := s.db.Collection(colJobs).DeleteOne(ctx, bson.M{
		"_id":    jobID.String(),
		"status": bson.M{"$in": terminal},
	})
	if err != nil {
		return fmt.Errorf("conduit/mongo: delete job: %w", err)
	}
	if res.DeletedCount > 0 {
		return nil
	}

	if _, getErr := s.GetJob(ctx, jobID); getErr != nil {
		return getErr
	}
	return fmt.Errorf("job %s: %w", jobID, conduit.ErrJobNotTerminal)
}

func collectJobs(ctx context.Context, cursor *mongod.Cursor) ([]*job.Job, error) {
	defer cursor.Close(ctx)

	var models []jobModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("conduit/mongo: decode jobs: %w", err)
	}

	jobs := make([]*job.Job, 0, len(models))
	for i := range models {
		j, err := fromJobModel(&models[i])
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}
