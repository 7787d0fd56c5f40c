package normalize

// contractions maps folded tokens to their expansion. Apostrophe-less
// variants are listed alongside the written forms because speech-to-text
// routinely drops the apostrophe. Ambiguous bare forms ("its", "were",
// "well", "id", "ill", "hell", "shell", "wed") are deliberately absent.
var contractions = map[string]string{
	"what's": "what is", "whats": "what is",
	"where's": "where is", "wheres": "where is",
	"who's": "who is", "whos": "who is",
	"how's": "how is", "hows": "how is",
	"when's": "when is", "whens": "when is",
	"why's": "why is",
	"that's": "that is", "thats": "that is",
	"there's": "there is", "theres": "there is",
	"here's": "here is", "heres": "here is",
	"it's": "it is",
	"let's": "let us", "lets": "let us",
	"i'm": "i am", "im": "i am",
	"i've": "i have", "ive": "i have",
	"i'll": "i will",
	"i'd": "i would",
	"you're": "you are", "youre": "you are",
	"you've": "you have", "youve": "you have",
	"you'll": "you will", "youll": "you will",
	"you'd": "you would", "youd": "you would",
	"we're": "we are",
	"we've": "we have", "weve": "we have",
	"we'll": "we will",
	"they're": "they are", "theyre": "they are",
	"they've": "they have", "theyve": "they have",
	"they'll": "they will", "theyll": "they will",
	"he's": "he is",
	"she's": "she is", "shes": "she is",
	"isn't": "is not", "isnt": "is not",
	"aren't": "are not", "arent": "are not",
	"wasn't": "was not", "wasnt": "was not",
	"weren't": "were not", "werent": "were not",
	"don't": "do not", "dont": "do not",
	"doesn't": "does not", "doesnt": "does not",
	"didn't": "did not", "didnt": "did not",
	"can't": "cannot", "cant": "cannot",
	"couldn't": "could not", "couldnt": "could not",
	"won't": "will not", "wont": "will not",
	"wouldn't": "would not", "wouldnt": "would not",
	"shouldn't": "should not", "shouldnt": "should not",
	"haven't": "have not", "havent": "have not",
	"hasn't": "has not", "hasnt": "has not",
	"hadn't": "had not", "hadnt": "had not",
	"what're": "what are",
	"gonna": "going to",
	"wanna": "want to",
	"gotta": "got to",
}

// fillerPhrases are dropped from the normalized form. Longer phrases come
// first so "can you please" is not left half-stripped.
var fillerPhrases = [][]string{
	{"could", "you", "please"},
	{"can", "you", "please"},
	{"would", "you", "please"},
	{"i", "want", "to", "know"},
	{"do", "you", "know"},
	{"can", "you", "tell", "me"},
	{"could", "you", "tell", "me"},
	{"tell", "me"},
	{"can", "you"},
	{"could", "you"},
	{"would", "you"},
	{"please"},
	{"hey"},
	{"um"},
	{"uh"},
	{"erm"},
	{"hmm"},
	{"okay"},
	{"ok"},
	{"so"},
	{"just"},
	{"actually"},
	{"basically"},
}
