package types

// RoleTag 定义角色的社交定位，用于给评分加偏置
type RoleTag string

const (
	RoleHost        RoleTag = "host"        // 主持人，倾向于接话
	RoleEntertainer RoleTag = "entertainer" // 气氛担当
	RoleObserver    RoleTag = "observer"    // 旁观者，较少主动发言
	RoleCustomer    RoleTag = "customer"    // 普通参与者
	RoleAuthority   RoleTag = "authority"   // 权威角色，被提问时倾向回应
)

// Traits 角色性格权重，全部取值范围 [0,1]
type Traits struct {
	Extroversion  float64 `json:"extroversion" yaml:"extroversion"`
	Curiosity     float64 `json:"curiosity" yaml:"curiosity"`
	Talkativeness float64 `json:"talkativeness" yaml:"talkativeness"`
	Reactivity    float64 `json:"reactivity" yaml:"reactivity"`
}

// Valid reports whether every trait weight is inside [0,1].
func (t Traits) Valid() bool {
	for _, v := range []float64{t.Extroversion, t.Curiosity, t.Talkativeness, t.Reactivity} {
		if v < 0 || v > 1 || v != v { // v != v filters NaN
			return false
		}
	}
	return true
}

// Agent 一个可参与对话的角色。在单次编排 Run 内不可变，
// 仅允许在 Run 之间由外部配置更新。
type Agent struct {
	ID      string   `json:"id" yaml:"id"`
	Name    string   `json:"name" yaml:"name"`
	Aliases []string `json:"aliases,omitempty" yaml:"aliases,omitempty"`
	Traits  *Traits  `json:"traits,omitempty" yaml:"traits,omitempty"` // nil 时评分退化为中性值
	Role    RoleTag  `json:"role" yaml:"role"`
}

// KnownNames returns the display name plus all aliases, display name first.
func (a Agent) KnownNames() []string {
	names := make([]string, 0, len(a.Aliases)+1)
	if a.Name != "" {
		names = append(names, a.Name)
	}
	names = append(names, a.Aliases...)
	return names
}
