package ticket

import (
	"context"
	"io"
	"path"
	"strings"
	"time"

	"labdesk-controlplane/pkg/db/option"
	"labdesk-controlplane/pkg/db/pagination"
	"labdesk-controlplane/pkg/errutil"
	"labdesk-controlplane/pkg/logger"
	"labdesk-controlplane/pkg/repository"
	"labdesk-controlplane/services/lab"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	MaxAttachmentSize = 50 << 20
	attachmentPrefix  = "ticket_attachments"
	attachmentURLTTL  = 15 * time.Minute
	etaLayout         = "2006-01-02"
)

// AttachmentStore persists attachment objects. Implemented by minio.ObjectStore.
type AttachmentStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Remove(ctx context.Context, key string) error
	PresignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Upload is an attachment received from a client.
type Upload struct {
	Filename    string
	ContentType string
	Size        int64
	Body        io.Reader
}

type Service struct {
	node  *snowflake.Node
	repo  repository.Repository[Ticket]
	labs  repository.Repository[lab.Lab]
	store AttachmentStore
}

type ServiceParams struct {
	fx.In
	DB    *gorm.DB
	Node  *snowflake.Node
	Store AttachmentStore
}

func NewService(p ServiceParams) *Service {
	return &Service{
		node:  p.Node,
		repo:  repository.ProvideStore[Ticket](p.DB),
		labs:  repository.ProvideStore[lab.Lab](p.DB),
		store: p.Store,
	}
}

type ListTicketsRequest struct {
	pagination.Pagination
	LabID  string `form:"lab_id"`
	Status string `form:"status" binding:"omitempty,oneof=open inprogress closed"`
}

type CreateTicketRequest struct {
	LabID            string `form:"lab_id" binding:"required"`
	Title            string `form:"title" binding:"required,max=255"`
	Description      string `form:"description" binding:"required"`
	Status           string `form:"status" binding:"omitempty,oneof=open inprogress closed"`
	Assignee         string `form:"assignee"`
	RepresenterName  string `form:"representer_name" binding:"required,max=255"`
	RepresenterEmail string `form:"representer_email" binding:"required,email,max=255"`
	RepresenterPhone string `form:"representer_phone" binding:"required,max=20"`
	ETA              string `form:"eta"`
}

type UpdateTicketRequest struct {
	LabID            *string `form:"lab_id"`
	Title            *string `form:"title" binding:"omitempty,max=255"`
	Description      *string `form:"description"`
	Status           *string `form:"status" binding:"omitempty,oneof=open inprogress closed"`
	Assignee         *string `form:"assignee"`
	RepresenterName  *string `form:"representer_name" binding:"omitempty,max=255"`
	RepresenterEmail *string `form:"representer_email" binding:"omitempty,email,max=255"`
	RepresenterPhone *string `form:"representer_phone" binding:"omitempty,max=20"`
	ETA              *string `form:"eta"`
	RemoveAttachment bool    `form:"remove_attachment"`
}

func (s *Service) List(ctx context.Context, req ListTicketsRequest) ([]*Ticket, *pagination.PageInfo, error) {
	tickets, err := s.repo.Find(ctx, &Ticket{LabID: req.LabID, Status: Status(req.Status)}, option.ApplyPagination(req.Pagination))
	if err != nil {
		logger.FromContext(ctx).Error("failed to list tickets", zap.Error(err))
		return nil, nil, errutil.Internal("failed to list tickets", err)
	}
	out, info := pagination.Trim(tickets, req.Limit, func(t *Ticket) string { return t.ID })
	return out, info, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Ticket, error) {
	t, err := s.repo.FindOne(ctx, &Ticket{ID: id})
	if err != nil {
		logger.FromContext(ctx).Error("failed to get ticket", zap.String("ticket_id", id), zap.Error(err))
		return nil, errutil.Internal("failed to get ticket", err)
	}
	if t == nil {
		return nil, errutil.NotFound("ticket not found", nil)
	}
	return t, nil
}

// Create stores a ticket and its optional attachment. The row is removed
// again when the upload fails.
func (s *Service) Create(ctx context.Context, req CreateTicketRequest, file *Upload) (*Ticket, error) {
	zapLog := logger.FromContext(ctx)

	if err := s.ensureLab(ctx, req.LabID); err != nil {
		return nil, err
	}
	eta, err := parseETA(req.ETA)
	if err != nil {
		return nil, err
	}
	if err := checkUpload(file); err != nil {
		return nil, err
	}

	status := StatusOpen
	if req.Status != "" {
		status = Status(req.Status)
	}

	t := &Ticket{
		ID:               s.node.Generate().String(),
		LabID:            req.LabID,
		Title:            req.Title,
		Description:      req.Description,
		Status:           status,
		Assignee:         req.Assignee,
		RepresenterName:  req.RepresenterName,
		RepresenterEmail: req.RepresenterEmail,
		RepresenterPhone: req.RepresenterPhone,
		ETA:              eta,
	}
	if file != nil {
		t.Attachment = attachmentKey(t.ID, file.Filename)
	}

	if err := s.repo.Create(ctx, t); err != nil {
		zapLog.Error("failed to create ticket", zap.String("lab_id", t.LabID), zap.Error(err))
		return nil, errutil.Internal("failed to create ticket", err)
	}

	if file != nil {
		if err := s.store.Put(ctx, t.Attachment, file.Body, file.Size, file.ContentType); err != nil {
			zapLog.Error("failed to upload attachment", zap.String("ticket_id", t.ID), zap.Error(err))
			if derr := s.repo.Delete(ctx, t.ID); derr != nil {
				zapLog.Error("failed to roll back ticket", zap.String("ticket_id", t.ID), zap.Error(derr))
			}
			return nil, errutil.Internal("failed to upload attachment", err)
		}
	}

	zapLog.Info("ticket created", zap.String("ticket_id", t.ID), zap.String("lab_id", t.LabID))
	return t, nil
}

// Update applies a partial update. A new attachment replaces the stored one;
// RemoveAttachment drops it without a replacement.
func (s *Service) Update(ctx context.Context, id string, req UpdateTicketRequest, file *Upload) (*Ticket, error) {
	zapLog := logger.FromContext(ctx)

	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkUpload(file); err != nil {
		return nil, err
	}

	updates := map[string]any{}
	if req.LabID != nil && *req.LabID != t.LabID {
		if err := s.ensureLab(ctx, *req.LabID); err != nil {
			return nil, err
		}
		updates["lab_id"] = *req.LabID
	}
	if req.ETA != nil {
		eta, err := parseETA(*req.ETA)
		if err != nil {
			return nil, err
		}
		updates["eta"] = eta
	}
	set := func(column string, v *string) {
		if v != nil {
			updates[column] = *v
		}
	}
	set("title", req.Title)
	set("description", req.Description)
	set("status", req.Status)
	set("assignee", req.Assignee)
	set("representer_name", req.RepresenterName)
	set("representer_email", req.RepresenterEmail)
	set("representer_phone", req.RepresenterPhone)

	previous := t.Attachment
	switch {
	case file != nil:
		key := attachmentKey(t.ID, file.Filename)
		if err := s.store.Put(ctx, key, file.Body, file.Size, file.ContentType); err != nil {
			zapLog.Error("failed to upload attachment", zap.String("ticket_id", t.ID), zap.Error(err))
			return nil, errutil.Internal("failed to upload attachment", err)
		}
		updates["attachment"] = key
	case req.RemoveAttachment:
		updates["attachment"] = ""
	}

	if len(updates) > 0 {
		if err := s.repo.Update(ctx, t.ID, updates); err != nil {
			zapLog.Error("failed to update ticket", zap.String("ticket_id", id), zap.Error(err))
			return nil, errutil.Internal("failed to update ticket", err)
		}
	}

	if key, ok := updates["attachment"].(string); ok && previous != "" && previous != key {
		s.removeAttachment(ctx, previous)
	}
	return s.Get(ctx, id)
}

func (s *Service) Delete(ctx context.Context, id string) error {
	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, t.ID); err != nil {
		logger.FromContext(ctx).Error("failed to delete ticket", zap.String("ticket_id", id), zap.Error(err))
		return errutil.Internal("failed to delete ticket", err)
	}
	if t.Attachment != "" {
		s.removeAttachment(ctx, t.Attachment)
	}
	return nil
}

// AttachmentURL returns a short lived download link for the ticket attachment.
func (s *Service) AttachmentURL(ctx context.Context, id string) (string, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if t.Attachment == "" {
		return "", errutil.NotFound("ticket has no attachment", nil)
	}
	u, err := s.store.PresignedURL(ctx, t.Attachment, attachmentURLTTL)
	if err != nil {
		logger.FromContext(ctx).Error("failed to presign attachment", zap.String("ticket_id", id), zap.Error(err))
		return "", errutil.Internal("failed to get attachment", err)
	}
	return u, nil
}

// removeAttachment logs failures only; an orphaned object does not fail the request.
func (s *Service) removeAttachment(ctx context.Context, key string) {
	if err := s.store.Remove(ctx, key); err != nil {
		logger.FromContext(ctx).Warn("failed to remove attachment", zap.String("key", key), zap.Error(err))
	}
}

func (s *Service) ensureLab(ctx context.Context, labID string) error {
	l, err := s.labs.FindOne(ctx, &lab.Lab{ID: labID})
	if err != nil {
		logger.FromContext(ctx).Error("failed to get lab", zap.String("lab_id", labID), zap.Error(err))
		return errutil.Internal("failed to get lab", err)
	}
	if l == nil {
		return errutil.ValidationFailed("lab does not exist", nil,
			errutil.WithDetails(errutil.Detail{Field: "lab_id", Message: "unknown lab"}))
	}
	return nil
}

func checkUpload(file *Upload) error {
	if file == nil {
		return nil
	}
	if file.Size > MaxAttachmentSize {
		return errutil.RequestTooLarge("attachment exceeds 50 MiB", nil,
			errutil.WithDetails(errutil.Detail{Field: "attachment", Message: "max 50 MiB"}))
	}
	if !strings.HasPrefix(file.ContentType, "image/") && !strings.HasPrefix(file.ContentType, "video/") {
		return errutil.UnsupportedMediaType("attachment must be an image or a video", nil,
			errutil.WithDetails(errutil.Detail{Field: "attachment", Message: "unsupported type " + file.ContentType}))
	}
	if attachmentName(file.Filename) == "" {
		return errutil.ValidationFailed("attachment needs a file name", nil)
	}
	return nil
}

func attachmentKey(ticketID, filename string) string {
	return path.Join(attachmentPrefix, ticketID, attachmentName(filename))
}

func attachmentName(filename string) string {
	name := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	if name == "." || name == "/" || name == ".." {
		return ""
	}
	return name
}

func parseETA(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(etaLayout, s)
	if err != nil {
		return nil, errutil.ValidationFailed("invalid eta", err,
			errutil.WithDetails(errutil.Detail{Field: "eta", Message: "expected YYYY-MM-DD"}))
	}
	return &t, nil
}
