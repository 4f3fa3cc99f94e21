// Package clinical serves the screening models: lifestyle health risk,
// depression risk and pneumonia detection from chest X-rays. Models run
// behind a Scorer; this package owns request shaping and the decision
// thresholds.
package clinical

import (
	"errors"
	"fmt"
)

// Decision thresholds.
const (
	DepressionThreshold = 0.24 // probability >= threshold is high risk
	PneumoniaThreshold  = 0.8  // probability > threshold is pneumonia
	HealthRiskThreshold = 0.5  // classifier score rounded to a 0/1 class
)

// Labels.
const (
	LabelHighRisk    = "High Risk"
	LabelLowRisk     = "Low Risk"
	LabelLowRiskSave = "Low Risk/Save"
	LabelPneumonia   = "Pneumonia"
	LabelNormal      = "Normal"
)

var (
	// ErrInvalidInput marks a request the models cannot score.
	ErrInvalidInput = errors.New("invalid input")
	// ErrUnavailable means no scorer is configured for the model.
	ErrUnavailable = errors.New("model not available")
)

// FieldError describes one out-of-range request field.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string { return fmt.Sprintf("%s %s", e.Field, e.Reason) }

func (e *FieldError) Is(target error) bool { return target == ErrInvalidInput }

// HealthRiskRequest holds lifestyle answers. Booleans are encoded 0/1.
type HealthRiskRequest struct {
	Age                    int     `json:"age"`
	Weight                 int     `json:"weight"`
	Height                 int     `json:"height"`
	Exercise               int     `json:"exercise"`
	Sleep                  int     `json:"sleep"`
	SugarIntake            int     `json:"sugar_intake"`
	BMI                    float64 `json:"bmi"`
	Smoking                int     `json:"smoking"`
	Alcohol                int     `json:"alcohol"`
	ProfessionDoctor       int     `json:"profession_doctor"`
	ProfessionDriver       int     `json:"profession_driver"`
	ProfessionEngineer     int     `json:"profession_engineer"`
	ProfessionFarmer       int     `json:"profession_farmer"`
	ProfessionOfficeWorker int     `json:"profession_office_worker"`
	ProfessionStudent      int     `json:"profession_student"`
	ProfessionTeacher      int     `json:"profession_teacher"`
}

// Validate checks the 0/1 indicator fields.
func (r HealthRiskRequest) Validate() error {
	var errs []error
	flag := func(name string, v int) {
		if v != 0 && v != 1 {
			errs = append(errs, &FieldError{Field: name, Reason: "must be 0 or 1"})
		}
	}
	flag("smoking", r.Smoking)
	flag("alcohol", r.Alcohol)
	flag("profession_doctor", r.ProfessionDoctor)
	flag("profession_driver", r.ProfessionDriver)
	flag("profession_engineer", r.ProfessionEngineer)
	flag("profession_farmer", r.ProfessionFarmer)
	flag("profession_office_worker", r.ProfessionOfficeWorker)
	flag("profession_student", r.ProfessionStudent)
	flag("profession_teacher", r.ProfessionTeacher)
	if r.Age <= 0 {
		errs = append(errs, &FieldError{Field: "age", Reason: "must be positive"})
	}
	return errors.Join(errs...)
}

// Features renames the request to the model's training columns.
func (r HealthRiskRequest) Features() map[string]any {
	return map[string]any{
		"age":                      r.Age,
		"weight":                   r.Weight,
		"height":                   r.Height,
		"exercise":                 r.Exercise,
		"sleep":                    r.Sleep,
		"sugar_intake":             r.SugarIntake,
		"bmi_recalc":               r.BMI,
		"smoking_yes":              r.Smoking,
		"alcohol_yes":              r.Alcohol,
		"profession_doctor":        r.ProfessionDoctor,
		"profession_driver":        r.ProfessionDriver,
		"profession_engineer":      r.ProfessionEngineer,
		"profession_farmer":        r.ProfessionFarmer,
		"profession_office_worker": r.ProfessionOfficeWorker,
		"profession_student":       r.ProfessionStudent,
		"profession_teacher":       r.ProfessionTeacher,
	}
}

// DepressionRequest holds the depression survey answers.
type DepressionRequest struct {
	Gender       string `json:"gender"`
	Age          int    `json:"age"`
	Profession   string `json:"profession"`
	Sleep        int    `json:"sleep"`
	Dietary      string `json:"dietary"`
	Suicidal     string `json:"succide"`
	WorkHours    int    `json:"work_hours"`
	Financial    int    `json:"financial"`
	Family       string `json:"family"`
	Pressure     int    `json:"pressure"`
	Satisfaction int    `json:"satisfaction"`
}

// Validate applies the survey's answer ranges.
func (r DepressionRequest) Validate() error {
	var errs []error
	between := func(name string, v, lo, hi int) {
		if v < lo || v > hi {
			errs = append(errs, &FieldError{Field: name, Reason: fmt.Sprintf("must be between %d and %d", lo, hi)})
		}
	}
	required := func(name, v string) {
		if v == "" {
			errs = append(errs, &FieldError{Field: name, Reason: "is required"})
		}
	}
	required("gender", r.Gender)
	required("profession", r.Profession)
	required("dietary", r.Dietary)
	required("succide", r.Suicidal)
	required("family", r.Family)
	between("age", r.Age, 1, 120)
	between("sleep", r.Sleep, 0, 24)
	between("work_hours", r.WorkHours, 0, 24)
	between("financial", r.Financial, 0, 5)
	between("pressure", r.Pressure, 0, 5)
	between("satisfaction", r.Satisfaction, 0, 5)
	return errors.Join(errs...)
}

// Features renames the request to the survey's column titles.
func (r DepressionRequest) Features() map[string]any {
	return map[string]any{
		"Gender":                                r.Gender,
		"Age":                                   r.Age,
		"Working Professional or Student":       r.Profession,
		"Sleep Duration":                        r.Sleep,
		"Dietary Habits":                        r.Dietary,
		"Have you ever had suicidal thoughts ?": r.Suicidal,
		"Work/Study Hours":                      r.WorkHours,
		"Financial Stress":                      r.Financial,
		"Family History of Mental Illness":      r.Family,
		"Pressure":                              r.Pressure,
		"Satisfaction":                          r.Satisfaction,
	}
}

// HealthRiskResult is the lifestyle risk outcome.
type HealthRiskResult struct {
	RiskPrediction int    `json:"riskPrediction"`
	RiskStatus     string `json:"riskStatus"`
}

// DepressionResult is the depression screening outcome.
type DepressionResult struct {
	RiskPrediction int     `json:"riskPrediction"`
	Probability    float64 `json:"probability"`
	RiskStatus     string  `json:"riskStatus"`
}

// PneumoniaResult is the X-ray classification outcome.
type PneumoniaResult struct {
	Probability  float64 `json:"probability"`
	Label        string  `json:"label"`
	ImagePreview string  `json:"imagePreview,omitempty"`
}

// ClassifyHealthRisk maps a classifier score to the risk outcome.
func ClassifyHealthRisk(score float64) HealthRiskResult {
	if score >= HealthRiskThreshold {
		return HealthRiskResult{RiskPrediction: 1, RiskStatus: LabelHighRisk}
	}
	return HealthRiskResult{RiskPrediction: 0, RiskStatus: LabelLowRiskSave}
}

// ClassifyDepression maps a probability to the screening outcome.
func ClassifyDepression(p float64) DepressionResult {
	if p >= DepressionThreshold {
		return DepressionResult{RiskPrediction: 1, Probability: p, RiskStatus: LabelHighRisk}
	}
	return DepressionResult{RiskPrediction: 0, Probability: p, RiskStatus: LabelLowRisk}
}

// ClassifyPneumonia maps a probability to an X-ray label.
func ClassifyPneumonia(p float64) PneumoniaResult {
	label := LabelNormal
	if p > PneumoniaThreshold {
		label = LabelPneumonia
	}
	return PneumoniaResult{Probability: p, Label: label}
}
