package domain

// DateLayout is the calendar-date format used for deadlines, proposal dates and
// completion dates.
const DateLayout = "2006-01-02"

// StageLabels is the fixed, ordered mortgage workflow. The first three stages are
// captured by Case.Intake, Case.Proposal and Case.Bank; the rest are tracked as Stage
// entries.
var StageLabels = []string{
	"Co chce klient financovat?",
	"Návrh financování",
	"Výběr banky",
	"Příprava žádosti",
	"Kompletace podkladů",
	"Podání žádosti",
	"Odhad",
	"Schvalování",
	"Úvěrová dokumentace",
	"Podpis úvěrové dokumentace",
	"Příprava k čerpání",
	"Čerpání",
	"Zahájení splácení",
	"Podmínky pro vyčerpání",
}

const (
	// StageCount is the length of the full workflow.
	StageCount = 14
	// IntakeStages are represented by structured case fields, not Stage entries.
	IntakeStages = 3
	// TrackedStages is the length of Case.Stages.
	TrackedStages = StageCount - IntakeStages
	// MaxStageIndex caps Case.CurrentStageIndex when a stage is completed.
	MaxStageIndex = StageCount - 2
)

// ManualBank marks a bank typed in by hand instead of picked from Banks.
const ManualBank = "Další (ručně)"

// Banks lists the institutions offered when selecting a bank.
var Banks = []string{
	"Česká spořitelna",
	"Komerční banka",
	"ČSOB",
	"UniCredit Bank",
	"Raiffeisenbank",
	"Moneta Money Bank",
	"mBank",
	"Fio banka",
	"Air Bank",
	"Sberbank",
	"Hypoteční banka",
	"Equa bank",
	"Oberbank",
	"Expobank",
	"Hello bank!",
	"Trinity Bank",
	"Wüstenrot hypoteční banka",
	ManualBank,
}

// TrackedStageLabels returns the labels of the stages following intake.
func TrackedStageLabels() []string {
	out := make([]string, TrackedStages)
	copy(out, StageLabels[IntakeStages:])
	return out
}

type Intake struct {
	What        string `json:"co"`
	Amount      string `json:"castka"`
	Description string `json:"popis"`
}

type Proposal struct {
	Date         string `json:"termin"`
	InterestRate string `json:"urok"`
}

type BankChoice struct {
	Name string `json:"banka"`
}

// Case is one tracked mortgage application.
type Case struct {
	ID                int        `json:"id"`
	ClientName        string     `json:"klient"`
	AdvisorName       string     `json:"poradce"`
	CurrentStageIndex int        `json:"aktualniKrok"`
	Intake            Intake     `json:"krok1"`
	Proposal          Proposal   `json:"krok2"`
	Bank              BankChoice `json:"krok3"`
	Stages            []Stage    `json:"kroky"`
	Note              string     `json:"poznamka,omitempty"`
	Archived          bool       `json:"archivovano"`
}

// Stage is the per-case progress of one workflow step after intake.
type Stage struct {
	Label              string         `json:"nazev"`
	Deadline           string         `json:"termin,omitempty"`
	Done               bool           `json:"splneno"`
	Note               string         `json:"poznamka,omitempty"`
	CompletedAt        string         `json:"splnenoAt,omitempty"`
	ChangeLog          []ChangeRecord `json:"historie,omitempty"`
	ReminderOffsetDays *int           `json:"pripomenoutZa,omitempty"`
	ReminderDate       string         `json:"pripomenoutDatum,omitempty"`
	Attachments        []Attachment   `json:"attachments,omitempty"`
}

// ChangeRecord is an immutable audit entry attached to a Stage.
type ChangeRecord struct {
	Who         string `json:"kdo"`
	When        string `json:"kdy" format:"date-time"`
	Description string `json:"zmena"`
	Before      *Stage `json:"predchozi,omitempty"`
	After       *Stage `json:"nove,omitempty"`
}

// Attachment references a stored file.
type Attachment struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
	URL  string `json:"url"`
}

// UndoRedoEntry is a before/after pair of whole-case snapshots.
type UndoRedoEntry struct {
	CaseID      int    `json:"pripadId"`
	Prev        Case   `json:"prev"`
	Next        Case   `json:"next"`
	When        string `json:"kdy" format:"date-time"`
	Who         string `json:"kdo"`
	Description string `json:"popis"`
}

// CaseInit carries the intake form values for a new case.
type CaseInit struct {
	ClientName  string
	AdvisorName string
	Intake      Intake
	Proposal    Proposal
	Bank        BankChoice
	Note        string
}

type Event struct {
	ID       int64  `json:"id"`
	TS       string `json:"ts" format:"date-time"`
	Type     string `json:"type"`
	CaseID   int    `json:"case_id,omitempty"`
	StageIdx *int   `json:"stage_index,omitempty"`
	Actor    string `json:"actor"`
	Payload  string `json:"payload_json"`
}
