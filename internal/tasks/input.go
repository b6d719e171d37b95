package tasks

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/chepyr/subtask-tracker/shared/models"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

type CreateInput struct {
	Title       string     `json:"title" validate:"required,max=200"`
	Description string     `json:"description" validate:"max=1000"`
	Label       string     `json:"label" validate:"max=50"`
	Status      string     `json:"status" validate:"omitempty,taskstatus"`
	IsDone      *bool      `json:"is_done"`
	ParentID    *uuid.UUID `json:"parent_task"`
}

// UpdateInput carries a partial update. Nil fields are left unchanged.
type UpdateInput struct {
	Title       *string      `json:"title" validate:"omitnil,min=1,max=200"`
	Description *string      `json:"description" validate:"omitnil,max=1000"`
	Label       *string      `json:"label" validate:"omitnil,max=50"`
	Status      *string      `json:"status" validate:"omitnil,taskstatus"`
	IsDone      *bool        `json:"is_done"`
	ParentID    OptionalUUID `json:"parent_task"`
}

// OptionalUUID tells an absent JSON key apart from an explicit null.
type OptionalUUID struct {
	Set   bool
	Value *uuid.UUID
}

func (o *OptionalUUID) UnmarshalJSON(data []byte) error {
	o.Set = true
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		o.Value = nil
		return nil
	}
	var id uuid.UUID
	if err := json.Unmarshal(data, &id); err != nil {
		return fmt.Errorf("parent_task: %w", err)
	}
	o.Value = &id
	return nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	if err := v.RegisterValidation("taskstatus", func(fl validator.FieldLevel) bool {
		_, ok := models.ParseTaskStatus(fl.Field().String())
		return ok
	}); err != nil {
		panic("register taskstatus validation: " + err.Error())
	}
	return v
}

func validateInput(in any) error {
	err := validate.Struct(in)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return &ValidationError{Message: err.Error()}
	}
	e := verrs[0]
	return &ValidationError{Field: e.Field(), Message: validationMessage(e)}
}

func validationMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required", "min":
		return "this field may not be blank"
	case "max":
		return fmt.Sprintf("ensure this field has no more than %s characters", e.Param())
	case "taskstatus":
		return fmt.Sprintf("%q is not a valid status (Pending, Done, Cancelled)", e.Value())
	default:
		return fmt.Sprintf("failed on the %q rule", e.Tag())
	}
}

func (in *CreateInput) normalize() {
	in.Title = strings.TrimSpace(in.Title)
	in.Description = strings.TrimSpace(in.Description)
	in.Label = strings.TrimSpace(in.Label)
}

func (in *UpdateInput) normalize() {
	for _, p := range []*string{in.Title, in.Description, in.Label} {
		if p != nil {
			*p = strings.TrimSpace(*p)
		}
	}
}
