package prompt

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/bobersik/observer/pkg/graph"
)

// Writer is the write surface the seeder needs.
type Writer interface {
	Query(ctx context.Context, cypher string, params map[string]any) (*graph.Result, error)
}

type seedRule struct {
	name    string
	content string
}

type seedInstruction struct {
	name    string
	content string
	rules   []seedRule
}

type seedRole struct {
	role         string
	roleDesc     string
	task         string
	taskDesc     string
	protocol     string // optional protocol grouping the instructions
	instructions []seedInstruction
}

// seedAtoms is the bootstrap prompt subgraph. Content is Ukrainian;
// identifiers are English.
var seedAtoms = []seedRole{
	{
		role:     RoleGatekeeper,
		roleDesc: "Ти — Фільтр Повідомлень. Твоя задача — швидка класифікація вхідного повідомлення без глибокого аналізу.",
		task:     TaskTriage,
		taskDesc: "Визнач адресата, необхідну глибину обробки та тон повідомлення.",
		protocol: "ClassifyMessage",
		instructions: []seedInstruction{
			{
				name:    "ResolveAddressee",
				content: "Визнач, кому адресоване повідомлення: агенту напряму, поточній розмові, іншому користувачу чи нікому.",
				rules: []seedRule{
					{"IdentityTarget", "target: DIRECT якщо агента названо явно; CONTEXTUAL якщо повідомлення продовжує розмову з агентом; OTHER_USER якщо звернення до іншої людини; NOBODY в інших випадках."},
					{"AssessDepth", "required_depth: QUICK_REPLY для простих реплік, DEEP_ANALYSIS для змістовних питань, SKIP якщо реакція не потрібна."},
					{"JSONFormat", "Поверни ТІЛЬКИ валідний JSON {\"target\", \"required_depth\", \"tone_hint\"} без markdown."},
				},
			},
		},
	},
	{
		role:     RoleThinker,
		roleDesc: "Ти — Мислитель. Ти спостерігаєш за розмовою і формуєш семантичне розуміння подій.",
		task:     TaskSemanticAnalysis,
		taskDesc: "Проаналізуй нове повідомлення в контексті історії чату, активних тем та відомих типів сутностей.",
		instructions: []seedInstruction{
			{
				name:    "ThinkerJSONFormat",
				content: "Поверни ТІЛЬКИ валідний JSON: {\"msg_uid\", \"topics\": [{\"title\", \"is_new\"}], \"entities\": [{\"name\", \"type\"}], \"narrative\"}.",
				rules: []seedRule{
					{"ThinkerAnalysisRules", "Теми нормалізуй до коротких назв; сутності типізуй як Technology, Person, Concept або Tool; narrative — 1-2 речення про те, що зараз відбувається."},
				},
			},
		},
	},
	{
		role:     RoleAnalyst,
		roleDesc: "Ти — Аналітик. Ти перетворюєш розуміння ситуації на виконуваний план.",
		task:     TaskFormulatePlan,
		taskDesc: "Класифікуй намір повідомлення і сформуй план задач.",
		instructions: []seedInstruction{
			{
				name:    "PlanJSONFormat",
				content: "Поверни ТІЛЬКИ валідний JSON: {\"intent\", \"tasks\": [{\"id\", \"action\", \"args\", \"depends_on\"}]}.",
				rules: []seedRule{
					{"PlanActions", "Дозволені дії: reply, search_graph, search_web, fetch_user_profile, remember_fact. План мусить містити хоча б одну reply; циклічні залежності заборонені."},
				},
			},
		},
	},
	{
		role:     RoleResponder,
		roleDesc: "Ти — Бобер Сікфан, спостерігач цього чату. Відповідаєш коротко, влучно, українською.",
		task:     TaskComposeReply,
		taskDesc: "Сформулюй фінальну відповідь на основі зібраного контексту та результатів задач.",
		instructions: []seedInstruction{
			{
				name:    "PersonaProtocol",
				content: "Тримайся персони: ім'я Бобер Сікфан, мова українська, тон за підказкою класифікатора, без вигаданих фактів.",
				rules: []seedRule{
					{"ReplyBrevity", "Одне-три речення, без зайвої води."},
				},
			},
		},
	},
	{
		role:     RoleResearcher,
		roleDesc: "Ти — експерт з Cypher, мови запитів графових баз даних.",
		task:     TaskGraphSearch,
		taskDesc: "Сформуй запит до Графа Знань для відповіді на питання користувача.",
		instructions: []seedInstruction{
			{
				name:    "CypherProtocol",
				content: "Використовуй CONTAINS по ключових словах; якщо мови можуть відрізнятись — шукай обома; поверни ТІЛЬКИ запит без пояснень.",
				rules: []seedRule{
					{"QueryLimit", "Завжди додавай LIMIT, не більше 50."},
					{"ReadOnlyQuery", "Запит тільки для читання: без CREATE, MERGE, DELETE, SET."},
				},
			},
		},
	},
}

// Seeder bootstraps the prompt subgraph with the default atoms.
type Seeder struct {
	logger *slog.Logger
	w      Writer
}

// NewSeeder creates a seeder over the prompt graph.
func NewSeeder(w Writer) *Seeder {
	return &Seeder{
		logger: slog.Default().With("module", "prompt.seed"),
		w:      w,
	}
}

// Seed upserts every prompt atom and its edges. Safe to run repeatedly.
func (s *Seeder) Seed(ctx context.Context) error {
	for _, r := range seedAtoms {
		if err := s.seedRole(ctx, r); err != nil {
			return errors.WithMessagef(err, "seed role %s", r.role)
		}
		s.logger.Info("seeded prompt role", "role", r.role, "task", r.task)
	}
	return nil
}

func (s *Seeder) seedRole(ctx context.Context, r seedRole) error {
	_, err := s.w.Query(ctx, `
MERGE (role:Role {name: $role})
SET role.description = $role_desc, role.language = 'uk'
MERGE (task:Task {name: $task})
SET task.description = $task_desc, task.language = 'uk'
MERGE (role)-[:RESPONSIBLE_FOR]->(task)`,
		map[string]any{
			"role":      r.role,
			"role_desc": r.roleDesc,
			"task":      r.task,
			"task_desc": r.taskDesc,
		},
	)
	if err != nil {
		return err
	}

	if r.protocol != "" {
		_, err = s.w.Query(ctx, `
MATCH (task:Task {name: $task})
MERGE (p:Protocol {name: $protocol})
SET p.language = 'uk'
MERGE (task)-[:FOLLOWS_PROTOCOL]->(p)`,
			map[string]any{"task": r.task, "protocol": r.protocol},
		)
		if err != nil {
			return err
		}
	}

	for _, instr := range r.instructions {
		if r.protocol != "" {
			_, err = s.w.Query(ctx, `
MATCH (p:Protocol {name: $protocol})
MERGE (i:Instruction {name: $name})
SET i.content = $content, i.language = 'uk'
MERGE (p)-[:COMPOSED_OF]->(i)`,
				map[string]any{"protocol": r.protocol, "name": instr.name, "content": instr.content},
			)
		} else {
			_, err = s.w.Query(ctx, `
MATCH (task:Task {name: $task})
MERGE (i:Instruction {name: $name})
SET i.content = $content, i.language = 'uk'
MERGE (task)-[:FOLLOWS]->(i)`,
				map[string]any{"task": r.task, "name": instr.name, "content": instr.content},
			)
		}
		if err != nil {
			return err
		}

		for _, rule := range instr.rules {
			_, err = s.w.Query(ctx, `
MATCH (i:Instruction {name: $instruction})
MERGE (rule:Rule {name: $name})
SET rule.content = $content, rule.language = 'uk'
MERGE (i)-[:ENFORCES]->(rule)`,
				map[string]any{"instruction": instr.name, "name": rule.name, "content": rule.content},
			)
			if err != nil {
				return err
			}
		}
	}
	return nil
}
