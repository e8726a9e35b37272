package model

// AreaLevel は地域階層の深さを表す。
// 値が大きいほど細かい地域（市区町村側）になる。
type AreaLevel int

const (
	AreaLevelCenter  AreaLevel = iota // 地方（関東甲信地方など）
	AreaLevelOffice                   // 府県予報区（東京都など）
	AreaLevelClass10                  // 一次細分区域
	AreaLevelClass15                  // 市町村等をまとめた地域
	AreaLevelClass20                  // 市区町村
)

// String はログ出力用の階層名を返す。
func (l AreaLevel) String() string {
	switch l {
	case AreaLevelCenter:
		return "center"
	case AreaLevelOffice:
		return "office"
	case AreaLevelClass10:
		return "class10"
	case AreaLevelClass15:
		return "class15"
	case AreaLevelClass20:
		return "class20"
	default:
		return "unknown"
	}
}

// AreaEntry は地域カタログの1エントリ。カタログ読み込み後は変更しない。
type AreaEntry struct {
	Code          string    `json:"code"`
	Name          string    `json:"name"`
	Kana          string    `json:"kana"`
	RomanizedName string    `json:"romanized_name"`
	ParentCode    *string   `json:"parent_code"`
	Prefecture    *string   `json:"prefecture"`
	Region        *string   `json:"region"`
	Level         AreaLevel `json:"level"`
	// OfficeName は府県予報区を担当する気象台名（officesのみ）。
	OfficeName string `json:"office_name,omitempty"`
}

// IsRoot は親を持たないエントリかどうかを返す。
func (e AreaEntry) IsRoot() bool {
	return e.ParentCode == nil
}
