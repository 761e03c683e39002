package engine

import (
	stderrors "errors"
	"regexp"

	"github.com/go-playground/validator/v10"

	"speleostore/internal/formats"
	"speleostore/pkg/errors"
	"speleostore/pkg/models"
)

// MaxUploadBytes bounds the size of one uploaded survey file
const MaxUploadBytes = 256 << 20

var projectIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,99}$`)

// requestValidate checks engine requests. Registered once at init.
var requestValidate *validator.Validate

func init() {
	requestValidate = validator.New()
	_ = requestValidate.RegisterValidation("projectid", func(fl validator.FieldLevel) bool {
		return projectIDPattern.MatchString(fl.Field().String())
	})
	_ = requestValidate.RegisterValidation("maxbytes", func(fl validator.FieldLevel) bool {
		return fl.Field().Len() <= MaxUploadBytes
	})
}

// CreateProjectRequest creates a project and provisions its remote
type CreateProjectRequest struct {
	ID          string `validate:"required,projectid"`
	Name        string `validate:"required,max=200"`
	Description string `validate:"max=2000"`
	Anchor      *models.Coordinate
	User        string `validate:"required"`
}

// UploadFileRequest commits one survey file to a project
type UploadFileRequest struct {
	ProjectID string `validate:"required,projectid"`
	User      string `validate:"required"`
	Author    models.Author
	Message   string `validate:"required,max=4096"`
	Filename  string `validate:"required,max=255"`
	Mimetype  string `validate:"max=255"`
	Data      []byte `validate:"required,maxbytes"`

	// Format forces a processor instead of selecting one from the filename
	Format formats.Format
}

func (r *UploadFileRequest) artifact() *formats.Artifact {
	return &formats.Artifact{Filename: r.Filename, Mimetype: r.Mimetype, Data: r.Data}
}

// validateRequest runs the struct tags of req and reports the first failure
// as a ValidationError naming the received and expected values
func validateRequest(req interface{}) error {
	err := requestValidate.Struct(req)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !stderrors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return errors.Wrap(err, errors.ErrCodeInvalidInput, "Invalid request")
	}
	fe := fieldErrs[0]
	expected := fe.Tag()
	if fe.Param() != "" {
		expected += "=" + fe.Param()
	}
	received := fe.Value()
	if b, ok := received.([]byte); ok {
		received = len(b)
	}
	return errors.ValidationError(fe.Namespace(), received, expected)
}
